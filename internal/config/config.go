package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/nadavbarak14/agentide/internal/logging"
)

// Config represents the complete agentide configuration
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Workers   []WorkerConfig  `mapstructure:"workers" yaml:"workers"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Provider  ProviderConfig  `mapstructure:"provider" yaml:"provider"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
}

// SchedulerConfig controls admission and suspension
type SchedulerConfig struct {
	// MaxConcurrentSessions is the global ceiling on active sessions (default: 2).
	// Changing it in the config file while serving takes effect immediately.
	MaxConcurrentSessions int `mapstructure:"max_concurrent_sessions" yaml:"max_concurrent_sessions"`
	// RequeuePolicy orders suspended sessions in the queue: "trailing" or "original"
	RequeuePolicy string `mapstructure:"requeue_policy" yaml:"requeue_policy"`
	// DispatchInterval is how often the queue is re-evaluated without an exit
	DispatchInterval time.Duration `mapstructure:"dispatch_interval" yaml:"dispatch_interval"`
	// KillTimeout is how long a kill may go unanswered before it is reported (0 = never)
	KillTimeout time.Duration `mapstructure:"kill_timeout" yaml:"kill_timeout"`
	// ShutdownTimeout bounds how long serve waits for sessions to exit on shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// WorkerConfig declares an execution target. Workers are upserted into the
// store at startup.
type WorkerConfig struct {
	ID          string `mapstructure:"id" yaml:"id"`
	Name        string `mapstructure:"name" yaml:"name,omitempty"`
	Type        string `mapstructure:"type" yaml:"type"`
	MaxSessions int    `mapstructure:"max_sessions" yaml:"max_sessions"`
	// AllowedPaths are glob patterns working directories must match (empty = any)
	AllowedPaths []string `mapstructure:"allowed_paths" yaml:"allowed_paths,omitempty"`
}

// StoreConfig selects where session records live
type StoreConfig struct {
	// Driver is "sqlite" (default) or "memory"
	Driver string `mapstructure:"driver" yaml:"driver"`
	// DataDir holds the database and lock file (default: $XDG_DATA_HOME/agentide)
	DataDir string `mapstructure:"data_dir" yaml:"data_dir,omitempty"`
}

// ProviderConfig controls the agent process run for each session
type ProviderConfig struct {
	// Command is the agent executable, resolved through PATH
	Command string `mapstructure:"command" yaml:"command"`
	// Args are passed on every start
	Args []string `mapstructure:"args" yaml:"args,omitempty"`
	// ContinueFlag is appended when a session is started in continuation mode
	ContinueFlag string `mapstructure:"continue_flag" yaml:"continue_flag"`
	// IdleTimeout is the output silence after which a session counts as idle
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	// KillGrace is the wait between SIGTERM and SIGKILL
	KillGrace time.Duration `mapstructure:"kill_grace" yaml:"kill_grace"`
	// ScrollbackBytes is how much output is retained per session
	ScrollbackBytes int `mapstructure:"scrollback_bytes" yaml:"scrollback_bytes"`
	// Cols and Rows are the initial terminal size
	Cols int `mapstructure:"cols" yaml:"cols"`
	Rows int `mapstructure:"rows" yaml:"rows"`
}

// LoggingConfig controls server logging
type LoggingConfig struct {
	// Enabled writes logs to DataDir/agentide.log; otherwise logs go to stderr
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level" yaml:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	// Compress gzips rotated log files
	Compress bool `mapstructure:"compress" yaml:"compress"`
}

// ServerConfig controls the HTTP API
type ServerConfig struct {
	// Addr is the listen address, also used by the CLI client (default: "127.0.0.1:7777")
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	rotation := logging.DefaultRotationConfig()
	return &Config{
		Scheduler: SchedulerConfig{
			MaxConcurrentSessions: 2,
			RequeuePolicy:         "trailing",
			DispatchInterval:      5 * time.Second,
			KillTimeout:           30 * time.Second,
			ShutdownTimeout:       10 * time.Second,
		},
		Workers: []WorkerConfig{
			{ID: "local", Name: "This machine", Type: "local", MaxSessions: 2},
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Provider: ProviderConfig{
			Command:         "claude",
			ContinueFlag:    "--continue",
			IdleTimeout:     3 * time.Second,
			KillGrace:       5 * time.Second,
			ScrollbackBytes: 256 * 1024,
			Cols:            200,
			Rows:            50,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  rotation.MaxSizeMB,
			MaxBackups: rotation.MaxBackups,
			Compress:   rotation.Compress,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:7777",
		},
	}
}

// SetDefaults registers default values with the global viper instance
func SetDefaults() {
	SetDefaultsOn(viper.GetViper())
}

// SetDefaultsOn registers default values with v
func SetDefaultsOn(v *viper.Viper) {
	defaults := Default()

	// Scheduler defaults
	v.SetDefault("scheduler.max_concurrent_sessions", defaults.Scheduler.MaxConcurrentSessions)
	v.SetDefault("scheduler.requeue_policy", defaults.Scheduler.RequeuePolicy)
	v.SetDefault("scheduler.dispatch_interval", defaults.Scheduler.DispatchInterval)
	v.SetDefault("scheduler.kill_timeout", defaults.Scheduler.KillTimeout)
	v.SetDefault("scheduler.shutdown_timeout", defaults.Scheduler.ShutdownTimeout)

	// Worker defaults
	v.SetDefault("workers", defaults.Workers)

	// Store defaults
	v.SetDefault("store.driver", defaults.Store.Driver)
	v.SetDefault("store.data_dir", defaults.Store.DataDir)

	// Provider defaults
	v.SetDefault("provider.command", defaults.Provider.Command)
	v.SetDefault("provider.args", defaults.Provider.Args)
	v.SetDefault("provider.continue_flag", defaults.Provider.ContinueFlag)
	v.SetDefault("provider.idle_timeout", defaults.Provider.IdleTimeout)
	v.SetDefault("provider.kill_grace", defaults.Provider.KillGrace)
	v.SetDefault("provider.scrollback_bytes", defaults.Provider.ScrollbackBytes)
	v.SetDefault("provider.cols", defaults.Provider.Cols)
	v.SetDefault("provider.rows", defaults.Provider.Rows)

	// Logging defaults
	v.SetDefault("logging.enabled", defaults.Logging.Enabled)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	v.SetDefault("logging.compress", defaults.Logging.Compress)

	// Server defaults
	v.SetDefault("server.addr", defaults.Server.Addr)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom is Load for an explicit viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ResolveDataDir returns the configured data directory, or the default one.
func (s StoreConfig) ResolveDataDir() string {
	if s.DataDir != "" {
		return expandHome(s.DataDir)
	}
	return DataDir()
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentide")
	}
	// Fall back to ~/.config/agentide
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentide"
	}
	return filepath.Join(home, ".config", "agentide")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DataDir returns the default directory for the database, lock and logs
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentide")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentide"
	}
	return filepath.Join(home, ".local", "share", "agentide")
}

func expandHome(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// ValidRequeuePolicies returns the list of valid requeue policy names
func ValidRequeuePolicies() []string {
	return []string{"trailing", "original"}
}

// ValidStoreDrivers returns the list of valid store drivers
func ValidStoreDrivers() []string {
	return []string{"sqlite", "memory"}
}

// ValidWorkerTypes returns the list of valid worker types
func ValidWorkerTypes() []string {
	return []string{"local", "remote"}
}
