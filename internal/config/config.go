package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete swarm configuration
type Config struct {
	Pool      PoolConfig      `mapstructure:"pool"`
	IPC       IPCConfig       `mapstructure:"ipc"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Aggregate AggregateConfig `mapstructure:"aggregate"`
	Watch     WatchConfig     `mapstructure:"watch"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Paths     PathsConfig     `mapstructure:"paths"`
}

// PoolConfig controls the worker instance pool
type PoolConfig struct {
	// MaxWorkers bounds the number of live worker instances
	MaxWorkers int `mapstructure:"max_workers"`
	// IdleTimeoutSeconds terminates instances idle longer than this (0 = never)
	IdleTimeoutSeconds int `mapstructure:"idle_timeout_seconds"`
	// AcquireTimeoutSeconds bounds how long an acquisition waits in the queue
	AcquireTimeoutSeconds int `mapstructure:"acquire_timeout_seconds"`
	// GracePeriodSeconds is how long busy instances get to stop on shutdown
	GracePeriodSeconds int `mapstructure:"grace_period_seconds"`
	// HealthIntervalSeconds is how often idle instances are pinged (0 = disabled)
	HealthIntervalSeconds int `mapstructure:"health_interval_seconds"`
	// HealthTimeoutMs bounds a single health ping
	HealthTimeoutMs int `mapstructure:"health_timeout_ms"`
}

// IPCConfig controls orchestrator to worker messaging
type IPCConfig struct {
	// RequestTimeoutSeconds bounds a unit's execute request (0 = no timeout)
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	// ReconnectAttempts is how many times a dropped transport is redialed
	ReconnectAttempts int `mapstructure:"reconnect_attempts"`
	// BackoffInitialMs is the first reconnect delay
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	// BackoffMaxMs caps the reconnect delay
	BackoffMaxMs int `mapstructure:"backoff_max_ms"`
}

// SchedulerConfig controls dependency scheduling
type SchedulerConfig struct {
	// ConcurrencyLimit bounds units running at once when a batch sets none
	ConcurrencyLimit int `mapstructure:"concurrency_limit"`
	// MaxRetries is how often a unit is redispatched after a transient failure
	MaxRetries int `mapstructure:"max_retries"`
	// ConflictPolicy is "serialize" (default) or "reject"
	ConflictPolicy string `mapstructure:"conflict_policy"`
	// RunAfterFailure dispatches dependents of failed units instead of aborting them
	RunAfterFailure bool `mapstructure:"run_after_failure"`
	// CaseInsensitivePaths folds case when comparing operation paths
	CaseInsensitivePaths bool `mapstructure:"case_insensitive_paths"`
	// CancelGraceMs is how long an aborted unit's worker has to answer before
	// its request is dropped. Race batches finish no sooner than this after
	// the winner when a loser ignores cancellation.
	CancelGraceMs int `mapstructure:"cancel_grace_ms"`
}

// AggregateConfig controls result synthesis
type AggregateConfig struct {
	// TolerateFailure reports an "all" batch as successful when at least one unit succeeded
	TolerateFailure bool `mapstructure:"tolerate_failure"`
}

// WatchConfig controls observation of filesystem activity inside unit workspaces
type WatchConfig struct {
	// Enabled turns on the fsnotify watcher for running units
	Enabled bool `mapstructure:"enabled"`
	// DebounceMs coalesces bursts of events for a path
	DebounceMs int `mapstructure:"debounce_ms"`
	// IgnorePaths are workspace-relative prefixes that are never reported
	IgnorePaths []string `mapstructure:"ignore_paths"`
}

// WorkerConfig controls how worker processes are launched
type WorkerConfig struct {
	// Command starts a worker speaking the JSON-lines protocol on stdio.
	// Empty runs the current executable's "worker" subcommand.
	Command string `mapstructure:"command"`
	// Args are passed to Command
	Args []string `mapstructure:"args"`
	// Env entries (KEY=VALUE) are appended to the worker environment
	Env []string `mapstructure:"env"`
	// Exec is the argv a worker runs per unit, with the instruction on stdin
	Exec []string `mapstructure:"exec"`
	// DefaultClass is the resource class for units that declare none
	DefaultClass string `mapstructure:"default_class"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string `mapstructure:"level"`
	// Format is "auto", "json" or "console"
	Format string `mapstructure:"format"`
	// ToFile writes swarm.log into the state directory instead of stderr
	ToFile bool `mapstructure:"to_file"`
	// MaxSizeMB is the maximum size of swarm.log before rotation
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated log files to keep
	MaxBackups int `mapstructure:"max_backups"`
}

// PathsConfig controls where swarm keeps its files
type PathsConfig struct {
	// StateDir holds batch snapshots, audit logs and swarm.log
	StateDir string `mapstructure:"state_dir"`
	// WorkspaceRoot holds one working directory per unit
	WorkspaceRoot string `mapstructure:"workspace_root"`
}

// ResolveStateDir returns the state directory resolved against baseDir.
func (p *PathsConfig) ResolveStateDir(baseDir string) string {
	if p.StateDir == "" {
		return filepath.Join(baseDir, ".swarm", "state")
	}
	return resolvePath(p.StateDir, baseDir)
}

// ResolveWorkspaceRoot returns the workspace root resolved against baseDir.
func (p *PathsConfig) ResolveWorkspaceRoot(baseDir string) string {
	if p.WorkspaceRoot == "" {
		return filepath.Join(baseDir, ".swarm", "workspaces")
	}
	return resolvePath(p.WorkspaceRoot, baseDir)
}

// resolvePath expands ~ and resolves relative paths against baseDir.
func resolvePath(path, baseDir string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return path
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxWorkers:            4,
			IdleTimeoutSeconds:    60,
			AcquireTimeoutSeconds: 300,
			GracePeriodSeconds:    10,
			HealthIntervalSeconds: 30,
			HealthTimeoutMs:       2000,
		},
		IPC: IPCConfig{
			RequestTimeoutSeconds: 1800,
			ReconnectAttempts:     3,
			BackoffInitialMs:      200,
			BackoffMaxMs:          5000,
		},
		Scheduler: SchedulerConfig{
			ConcurrencyLimit:     4,
			MaxRetries:           1,
			ConflictPolicy:       ConflictPolicySerialize,
			RunAfterFailure:      false,
			CaseInsensitivePaths: runtime.GOOS == "darwin" || runtime.GOOS == "windows",
			CancelGraceMs:        5000,
		},
		Aggregate: AggregateConfig{
			TolerateFailure: false,
		},
		Watch: WatchConfig{
			Enabled:     true,
			DebounceMs:  50,
			IgnorePaths: []string{".git", "node_modules"},
		},
		Worker: WorkerConfig{
			Command:      "",
			Args:         []string{},
			Env:          []string{},
			Exec:         []string{"sh"},
			DefaultClass: "default",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "auto",
			ToFile:     false,
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Paths: PathsConfig{
			StateDir:      "",
			WorkspaceRoot: "",
		},
	}
}

// IdleTimeout returns the idle timeout as a time.Duration (0 means never)
func (c *PoolConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// AcquireTimeout returns the acquisition timeout as a time.Duration
func (c *PoolConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSeconds) * time.Second
}

// GracePeriod returns the shutdown grace period as a time.Duration
func (c *PoolConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// HealthInterval returns the health check interval (0 means disabled)
func (c *PoolConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

// HealthTimeout returns the health ping timeout
func (c *PoolConfig) HealthTimeout() time.Duration {
	return time.Duration(c.HealthTimeoutMs) * time.Millisecond
}

// RequestTimeout returns the execute request timeout (0 means none)
func (c *IPCConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// CancelGrace returns how long an aborted unit's worker has to answer
func (c *SchedulerConfig) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceMs) * time.Millisecond
}

// BackoffInitial returns the first reconnect delay
func (c *IPCConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the reconnect delay cap
func (c *IPCConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// Debounce returns the watcher debounce window
func (c *WatchConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Pool defaults
	viper.SetDefault("pool.max_workers", defaults.Pool.MaxWorkers)
	viper.SetDefault("pool.idle_timeout_seconds", defaults.Pool.IdleTimeoutSeconds)
	viper.SetDefault("pool.acquire_timeout_seconds", defaults.Pool.AcquireTimeoutSeconds)
	viper.SetDefault("pool.grace_period_seconds", defaults.Pool.GracePeriodSeconds)
	viper.SetDefault("pool.health_interval_seconds", defaults.Pool.HealthIntervalSeconds)
	viper.SetDefault("pool.health_timeout_ms", defaults.Pool.HealthTimeoutMs)

	// IPC defaults
	viper.SetDefault("ipc.request_timeout_seconds", defaults.IPC.RequestTimeoutSeconds)
	viper.SetDefault("ipc.reconnect_attempts", defaults.IPC.ReconnectAttempts)
	viper.SetDefault("ipc.backoff_initial_ms", defaults.IPC.BackoffInitialMs)
	viper.SetDefault("ipc.backoff_max_ms", defaults.IPC.BackoffMaxMs)

	// Scheduler defaults
	viper.SetDefault("scheduler.concurrency_limit", defaults.Scheduler.ConcurrencyLimit)
	viper.SetDefault("scheduler.max_retries", defaults.Scheduler.MaxRetries)
	viper.SetDefault("scheduler.conflict_policy", defaults.Scheduler.ConflictPolicy)
	viper.SetDefault("scheduler.run_after_failure", defaults.Scheduler.RunAfterFailure)
	viper.SetDefault("scheduler.case_insensitive_paths", defaults.Scheduler.CaseInsensitivePaths)
	viper.SetDefault("scheduler.cancel_grace_ms", defaults.Scheduler.CancelGraceMs)

	// Aggregate defaults
	viper.SetDefault("aggregate.tolerate_failure", defaults.Aggregate.TolerateFailure)

	// Watch defaults
	viper.SetDefault("watch.enabled", defaults.Watch.Enabled)
	viper.SetDefault("watch.debounce_ms", defaults.Watch.DebounceMs)
	viper.SetDefault("watch.ignore_paths", defaults.Watch.IgnorePaths)

	// Worker defaults
	viper.SetDefault("worker.command", defaults.Worker.Command)
	viper.SetDefault("worker.args", defaults.Worker.Args)
	viper.SetDefault("worker.env", defaults.Worker.Env)
	viper.SetDefault("worker.exec", defaults.Worker.Exec)
	viper.SetDefault("worker.default_class", defaults.Worker.DefaultClass)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.format", defaults.Logging.Format)
	viper.SetDefault("logging.to_file", defaults.Logging.ToFile)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	// Paths defaults
	viper.SetDefault("paths.state_dir", defaults.Paths.StateDir)
	viper.SetDefault("paths.workspace_root", defaults.Paths.WorkspaceRoot)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

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

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "swarm")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".swarm"
	}
	return filepath.Join(home, ".config", "swarm")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
