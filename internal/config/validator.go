package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "scheduler.max_concurrent_sessions")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// workerIDRegex restricts worker ids to characters safe in URLs and log keys
var workerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateScheduler()...)
	errors = append(errors, c.validateWorkers()...)
	errors = append(errors, c.validateStore()...)
	errors = append(errors, c.validateProvider()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateServer()...)

	return errors
}

func (c *Config) validateScheduler() []ValidationError {
	var errors []ValidationError
	s := c.Scheduler

	if s.MaxConcurrentSessions < 0 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.max_concurrent_sessions",
			Value:   s.MaxConcurrentSessions,
			Message: "must be non-negative",
		})
	}

	if !slices.Contains(ValidRequeuePolicies(), s.RequeuePolicy) {
		errors = append(errors, ValidationError{
			Field:   "scheduler.requeue_policy",
			Value:   s.RequeuePolicy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidRequeuePolicies(), ", ")),
		})
	}

	errors = append(errors, validateDuration("scheduler.dispatch_interval", s.DispatchInterval, time.Second)...)
	errors = append(errors, validateDuration("scheduler.shutdown_timeout", s.ShutdownTimeout, time.Second)...)

	// 0 disables the kill watchdog
	if s.KillTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.kill_timeout",
			Value:   s.KillTimeout,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateWorkers() []ValidationError {
	var errors []ValidationError
	seen := make(map[string]bool)

	for i, w := range c.Workers {
		prefix := fmt.Sprintf("workers[%d]", i)

		if !workerIDRegex.MatchString(w.ID) {
			errors = append(errors, ValidationError{
				Field:   prefix + ".id",
				Value:   w.ID,
				Message: "must start with a letter or digit and contain only letters, digits, '.', '_' or '-'",
			})
		} else if seen[w.ID] {
			errors = append(errors, ValidationError{
				Field:   prefix + ".id",
				Value:   w.ID,
				Message: "duplicate worker id",
			})
		}
		seen[w.ID] = true

		if !slices.Contains(ValidWorkerTypes(), w.Type) {
			errors = append(errors, ValidationError{
				Field:   prefix + ".type",
				Value:   w.Type,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidWorkerTypes(), ", ")),
			})
		}

		if w.MaxSessions < 0 {
			errors = append(errors, ValidationError{
				Field:   prefix + ".max_sessions",
				Value:   w.MaxSessions,
				Message: "must be non-negative",
			})
		}

		for j, pattern := range w.AllowedPaths {
			if _, err := glob.Compile(pattern, '/'); err != nil {
				errors = append(errors, ValidationError{
					Field:   fmt.Sprintf("%s.allowed_paths[%d]", prefix, j),
					Value:   pattern,
					Message: fmt.Sprintf("invalid glob: %v", err),
				})
			}
		}
	}

	return errors
}

func (c *Config) validateStore() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidStoreDrivers(), c.Store.Driver) {
		errors = append(errors, ValidationError{
			Field:   "store.driver",
			Value:   c.Store.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidStoreDrivers(), ", ")),
		})
	}

	if strings.ContainsRune(c.Store.DataDir, '\x00') {
		errors = append(errors, ValidationError{
			Field:   "store.data_dir",
			Value:   c.Store.DataDir,
			Message: "path contains invalid null character",
		})
	}

	return errors
}

func (c *Config) validateProvider() []ValidationError {
	var errors []ValidationError
	p := c.Provider

	if strings.TrimSpace(p.Command) == "" {
		errors = append(errors, ValidationError{
			Field:   "provider.command",
			Value:   p.Command,
			Message: "must not be empty",
		})
	}

	errors = append(errors, validateDuration("provider.idle_timeout", p.IdleTimeout, 100*time.Millisecond)...)
	errors = append(errors, validateDuration("provider.kill_grace", p.KillGrace, 0)...)

	if p.ScrollbackBytes < 0 {
		errors = append(errors, ValidationError{
			Field:   "provider.scrollback_bytes",
			Value:   p.ScrollbackBytes,
			Message: "must be non-negative",
		})
	}

	// Terminal dimensions are sent as uint16
	for field, v := range map[string]int{"provider.cols": p.Cols, "provider.rows": p.Rows} {
		if v < 0 || v > 65535 {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   v,
				Message: "must be between 0 and 65535",
			})
		}
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	// Max size must be positive
	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	// Reasonable upper bound for log file size
	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	// Max backups must be non-negative
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if _, port, ok := strings.Cut(c.Server.Addr, ":"); !ok || port == "" {
		errors = append(errors, ValidationError{
			Field:   "server.addr",
			Value:   c.Server.Addr,
			Message: "must be host:port",
		})
	}

	return errors
}

// validateDuration rejects durations below min. A zero min still rejects
// negative values.
func validateDuration(field string, d, min time.Duration) []ValidationError {
	if d < 0 || d < min {
		msg := "must be non-negative"
		if min > 0 {
			msg = fmt.Sprintf("must be at least %s", min)
		}
		return []ValidationError{{Field: field, Value: d.String(), Message: msg}}
	}
	return nil
}
