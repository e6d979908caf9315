package config

import (
	"fmt"
	"slices"
	"strings"
)

// Conflict policies
const (
	// ConflictPolicySerialize runs conflicting units one after another.
	ConflictPolicySerialize = "serialize"
	// ConflictPolicyReject fails a batch whose unordered units conflict.
	ConflictPolicyReject = "reject"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "pool.max_workers")
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

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the list of valid log formats
func ValidLogFormats() []string {
	return []string{"auto", "json", "console"}
}

// ValidConflictPolicies returns the list of valid conflict policies
func ValidConflictPolicies() []string {
	return []string{ConflictPolicySerialize, ConflictPolicyReject}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validatePool()...)
	errors = append(errors, c.validateIPC()...)
	errors = append(errors, c.validateScheduler()...)
	errors = append(errors, c.validateWatch()...)
	errors = append(errors, c.validateWorker()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validatePaths()...)

	return errors
}

func positive(field string, v int) []ValidationError {
	if v <= 0 {
		return []ValidationError{{Field: field, Value: v, Message: "must be positive"}}
	}
	return nil
}

func nonNegative(field string, v int) []ValidationError {
	if v < 0 {
		return []ValidationError{{Field: field, Value: v, Message: "must be non-negative"}}
	}
	return nil
}

// validatePool validates the PoolConfig
func (c *Config) validatePool() []ValidationError {
	var errors []ValidationError

	errors = append(errors, positive("pool.max_workers", c.Pool.MaxWorkers)...)
	const maxWorkers = 256
	if c.Pool.MaxWorkers > maxWorkers {
		errors = append(errors, ValidationError{
			Field:   "pool.max_workers",
			Value:   c.Pool.MaxWorkers,
			Message: fmt.Sprintf("exceeds maximum of %d", maxWorkers),
		})
	}
	errors = append(errors, nonNegative("pool.idle_timeout_seconds", c.Pool.IdleTimeoutSeconds)...)
	errors = append(errors, positive("pool.acquire_timeout_seconds", c.Pool.AcquireTimeoutSeconds)...)
	errors = append(errors, nonNegative("pool.grace_period_seconds", c.Pool.GracePeriodSeconds)...)
	errors = append(errors, nonNegative("pool.health_interval_seconds", c.Pool.HealthIntervalSeconds)...)
	if c.Pool.HealthIntervalSeconds > 0 {
		errors = append(errors, positive("pool.health_timeout_ms", c.Pool.HealthTimeoutMs)...)
	}

	return errors
}

// validateIPC validates the IPCConfig
func (c *Config) validateIPC() []ValidationError {
	var errors []ValidationError

	errors = append(errors, nonNegative("ipc.request_timeout_seconds", c.IPC.RequestTimeoutSeconds)...)
	errors = append(errors, nonNegative("ipc.reconnect_attempts", c.IPC.ReconnectAttempts)...)
	if c.IPC.ReconnectAttempts > 0 {
		errors = append(errors, positive("ipc.backoff_initial_ms", c.IPC.BackoffInitialMs)...)
		if c.IPC.BackoffMaxMs < c.IPC.BackoffInitialMs {
			errors = append(errors, ValidationError{
				Field:   "ipc.backoff_max_ms",
				Value:   c.IPC.BackoffMaxMs,
				Message: "must be at least ipc.backoff_initial_ms",
			})
		}
	}

	return errors
}

// validateScheduler validates the SchedulerConfig
func (c *Config) validateScheduler() []ValidationError {
	var errors []ValidationError

	errors = append(errors, positive("scheduler.concurrency_limit", c.Scheduler.ConcurrencyLimit)...)
	errors = append(errors, nonNegative("scheduler.max_retries", c.Scheduler.MaxRetries)...)
	errors = append(errors, positive("scheduler.cancel_grace_ms", c.Scheduler.CancelGraceMs)...)
	if !slices.Contains(ValidConflictPolicies(), c.Scheduler.ConflictPolicy) {
		errors = append(errors, ValidationError{
			Field:   "scheduler.conflict_policy",
			Value:   c.Scheduler.ConflictPolicy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidConflictPolicies(), ", ")),
		})
	}

	return errors
}

// validateWatch validates the WatchConfig
func (c *Config) validateWatch() []ValidationError {
	if !c.Watch.Enabled {
		return nil
	}
	return nonNegative("watch.debounce_ms", c.Watch.DebounceMs)
}

// validateWorker validates the WorkerConfig
func (c *Config) validateWorker() []ValidationError {
	var errors []ValidationError

	if len(c.Worker.Exec) == 0 || strings.TrimSpace(c.Worker.Exec[0]) == "" {
		errors = append(errors, ValidationError{
			Field:   "worker.exec",
			Value:   c.Worker.Exec,
			Message: "must name a command",
		})
	}
	for i, kv := range c.Worker.Env {
		if !strings.Contains(kv, "=") {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("worker.env[%d]", i),
				Value:   kv,
				Message: "must be KEY=VALUE",
			})
		}
	}
	if strings.TrimSpace(c.Worker.DefaultClass) == "" {
		errors = append(errors, ValidationError{
			Field:   "worker.default_class",
			Value:   c.Worker.DefaultClass,
			Message: "must not be empty",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.Format != "" && !slices.Contains(ValidLogFormats(), strings.ToLower(c.Logging.Format)) {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Value:   c.Logging.Format,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogFormats(), ", ")),
		})
	}
	errors = append(errors, positive("logging.max_size_mb", c.Logging.MaxSizeMB)...)
	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}
	errors = append(errors, nonNegative("logging.max_backups", c.Logging.MaxBackups)...)

	return errors
}

// validatePaths validates the PathsConfig
func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	const maxPathLength = 4096
	for field, path := range map[string]string{
		"paths.state_dir":      c.Paths.StateDir,
		"paths.workspace_root": c.Paths.WorkspaceRoot,
	} {
		if strings.ContainsRune(path, '\x00') {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   path,
				Message: "path contains invalid null character",
			})
		}
		if len(path) > maxPathLength {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   path,
				Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
			})
		}
	}
	slices.SortFunc(errors, func(a, b ValidationError) int { return strings.Compare(a.Field, b.Field) })

	return errors
}
