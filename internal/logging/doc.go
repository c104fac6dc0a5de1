// Package logging provides structured logging for the session scheduler.
//
// It wraps log/slog to write JSON lines with persistent context attributes
// (session_id, worker_id, component), so a single log file can be filtered
// per session after the fact.
//
// # Basic Usage
//
//	logger, err := logging.NewLoggerWithRotation(dataDir, "INFO", logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	sched := logger.WithComponent("scheduler")
//	sched.WithSession(id).Info("session admitted", "pid", pid)
//
// # Testing
//
// Use [NopLogger] to discard output, or [NewWriterLogger] with a
// bytes.Buffer to assert on emitted entries.
package logging
