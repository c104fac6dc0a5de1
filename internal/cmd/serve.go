package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nadavbarak14/agentide/internal/api"
	"github.com/nadavbarak14/agentide/internal/config"
	"github.com/nadavbarak14/agentide/internal/event"
	"github.com/nadavbarak14/agentide/internal/logging"
	"github.com/nadavbarak14/agentide/internal/process"
	"github.com/nadavbarak14/agentide/internal/queue"
	"github.com/nadavbarak14/agentide/internal/scheduler"
	"github.com/nadavbarak14/agentide/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and its HTTP API",
	Long: `Run the session scheduler in the foreground.

Workers and the concurrency limit come from the config file. Editing the
config file while serving applies a new scheduler.max_concurrent_sessions and
worker list without a restart. On SIGINT or SIGTERM running sessions are
stopped and queued to resume on the next start.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	dataDir := cfg.Store.ResolveDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	logger, err := newServerLogger(cfg.Logging, dataDir)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	lock, err := store.AcquireDirLock(dataDir, logger)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	st, err := openStore(cfg.Store, dataDir)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := syncWorkers(ctx, st, cfg.Workers); err != nil {
		return err
	}
	if err := st.UpdateSettings(ctx, store.Settings{MaxConcurrentSessions: cfg.Scheduler.MaxConcurrentSessions}); err != nil {
		return err
	}

	policy, err := queue.ParseRequeuePolicy(cfg.Scheduler.RequeuePolicy)
	if err != nil {
		return err
	}

	bus := event.NewBus(logger)
	q := queue.NewManager(st, bus, policy, logger)
	provider := process.NewPTYProvider(ptyConfig(cfg.Provider), logger)
	mgr := scheduler.New(st, q, provider, bus, scheduler.Config{
		KillTimeout:      cfg.Scheduler.KillTimeout,
		DispatchInterval: cfg.Scheduler.DispatchInterval,
		ShutdownTimeout:  cfg.Scheduler.ShutdownTimeout,
	}, logger)

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	if viper.ConfigFileUsed() != "" {
		config.Watch(viper.GetViper(), logger, func(next *config.Config) {
			applyReload(context.Background(), st, mgr, next, logger)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewRouter(mgr, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr, "data_dir", dataDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "agentide serving on http://%s\n", cfg.Server.Addr)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		logger.Error("server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := mgr.Close(shutdownCtx); err != nil {
		logger.Error("scheduler shutdown", "error", err)
		if serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}

func newServerLogger(cfg config.LoggingConfig, dataDir string) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Level)
	if !cfg.Enabled {
		return logging.NewWriterLogger(os.Stderr, level), nil
	}
	logger, err := logging.NewLoggerWithRotation(dataDir, level, logging.RotationConfig{
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return logger, nil
}

func openStore(cfg config.StoreConfig, dataDir string) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		st, err := store.NewSQLiteStore(filepath.Join(dataDir, store.DBFileName))
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		return st, nil
	}
}

func ptyConfig(p config.ProviderConfig) process.PTYConfig {
	return process.PTYConfig{
		Command:         p.Command,
		Args:            p.Args,
		ContinueFlag:    p.ContinueFlag,
		IdleTimeout:     p.IdleTimeout,
		KillGrace:       p.KillGrace,
		ScrollbackBytes: p.ScrollbackBytes,
		Cols:            uint16(p.Cols),
		Rows:            uint16(p.Rows),
	}
}

// syncWorkers upserts the configured workers. Workers removed from the
// config stay in the store, disconnected, so their sessions keep a valid
// worker reference but receive no new work.
func syncWorkers(ctx context.Context, st store.Store, workers []config.WorkerConfig) error {
	configured := make(map[string]bool, len(workers))
	for _, w := range workers {
		configured[w.ID] = true
		name := w.Name
		if name == "" {
			name = w.ID
		}
		if err := st.UpsertWorker(ctx, store.Worker{
			ID:           w.ID,
			Name:         name,
			Type:         store.WorkerType(w.Type),
			MaxSessions:  w.MaxSessions,
			Status:       store.WorkerConnected,
			AllowedPaths: w.AllowedPaths,
		}); err != nil {
			return fmt.Errorf("failed to register worker %s: %w", w.ID, err)
		}
	}

	existing, err := st.ListWorkers(ctx)
	if err != nil {
		return err
	}
	for _, w := range existing {
		if configured[w.ID] || w.Status == store.WorkerDisconnected {
			continue
		}
		w.Status = store.WorkerDisconnected
		if err := st.UpsertWorker(ctx, *w); err != nil {
			return err
		}
	}
	return nil
}

// applyReload pushes a changed config file into the running scheduler.
func applyReload(ctx context.Context, st store.Store, mgr *scheduler.Manager, cfg *config.Config, logger *logging.Logger) {
	if err := syncWorkers(ctx, st, cfg.Workers); err != nil {
		logger.Error("failed to apply worker changes", "error", err)
	}
	if err := mgr.UpdateMaxConcurrent(ctx, cfg.Scheduler.MaxConcurrentSessions); err != nil {
		logger.Error("failed to apply max concurrent sessions", "error", err)
	}
	// Worker changes alone may open capacity.
	if err := mgr.Dispatch(ctx); err != nil {
		logger.Error("dispatch after reload failed", "error", err)
	}
}
