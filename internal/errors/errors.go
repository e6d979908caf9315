// Package errors provides centralized error definitions and error handling utilities
// for swarm. It defines sentinel errors for every failure the orchestration engine
// can surface, domain error types carrying scheduling context, and classification
// helpers used by the scheduler's retry policy.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - WorkerError: errors related to worker instances (spawn, crash, shutdown)
//   - ChannelError: errors related to IPC channels (timeouts, closed channels)
//   - SchedulerError: errors related to dependency scheduling and dispatch
//   - CycleError: a circular dependency found while building a graph
//   - ConflictError: unsafe concurrent filesystem operations
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
//	err := errors.NewWorkerError("worker exited", errors.ErrWorkerCrashed).
//		WithWorkerID("w-3").WithUnitID("build")
//
//	if errors.Is(err, errors.ErrWorkerCrashed) { ... }
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Graph-related sentinel errors
var (
	// ErrCircularDependency indicates the dependency graph contains a cycle.
	ErrCircularDependency = New("circular dependency")
	// ErrUnknownDependency indicates a unit depends on an id not in the batch.
	ErrUnknownDependency = New("unknown dependency")
	// ErrDuplicateUnit indicates two units share an id.
	ErrDuplicateUnit = New("duplicate unit id")
)

// Pool-related sentinel errors
var (
	// ErrPoolExhausted indicates no worker became available before the acquisition timeout.
	ErrPoolExhausted = New("worker pool exhausted")
	// ErrPoolShuttingDown indicates the pool no longer accepts acquisitions.
	ErrPoolShuttingDown = New("worker pool shutting down")
	// ErrWorkerCrashed indicates a worker process exited unexpectedly.
	ErrWorkerCrashed = New("worker crashed")
	// ErrWorkerSpawnFailed indicates a worker could not be started.
	ErrWorkerSpawnFailed = New("worker failed to start")
)

// Channel-related sentinel errors
var (
	// ErrRequestTimeout indicates no correlated response arrived in time.
	ErrRequestTimeout = New("request timed out")
	// ErrChannelClosed indicates the channel was closed while a request was pending.
	ErrChannelClosed = New("channel closed")
	// ErrChannelDisconnected indicates the channel is reconnecting and cannot send.
	ErrChannelDisconnected = New("channel disconnected")
)

// Scheduling-related sentinel errors
var (
	// ErrConflict indicates units declare unsafe concurrent filesystem operations.
	ErrConflict = New("workspace conflict")
	// ErrUnitFailed indicates a unit finished unsuccessfully.
	ErrUnitFailed = New("unit failed")
	// ErrUnitAborted indicates a unit was aborted before finishing.
	ErrUnitAborted = New("unit aborted")
	// ErrBatchNotFound indicates no batch with the given id exists.
	ErrBatchNotFound = New("batch not found")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// SwarmError is the base interface for all swarm errors.
type SwarmError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// formatPrefixed renders "<kind> [k=v, ...]: message: cause".
func formatPrefixed(kind string, parts []string, message string, cause error) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// WorkerError represents errors related to worker instances.
//
// Example:
//
//	err := errors.NewWorkerError("worker exited", errors.ErrWorkerCrashed)
//	err = err.WithWorkerID("w-1").WithUnitID("lint")
//	fmt.Println(err) // "worker error [worker=w-1, unit=lint]: worker exited: worker crashed"
type WorkerError struct {
	baseError
	WorkerID string
	UnitID   string
}

// NewWorkerError creates a new WorkerError. Errors caused by a crash are
// retryable by default.
func NewWorkerError(message string, cause error) *WorkerError {
	return &WorkerError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  errors.Is(cause, ErrWorkerCrashed),
			userFacing: true,
		},
	}
}

// WithWorkerID adds a worker ID to the error context.
func (e *WorkerError) WithWorkerID(id string) *WorkerError {
	e.WorkerID = id
	return e
}

// WithUnitID adds a unit ID to the error context.
func (e *WorkerError) WithUnitID(id string) *WorkerError {
	e.UnitID = id
	return e
}

// WithSeverity sets the error severity.
func (e *WorkerError) WithSeverity(s Severity) *WorkerError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *WorkerError) WithRetryable(r bool) *WorkerError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *WorkerError) Error() string {
	var parts []string
	if e.WorkerID != "" {
		parts = append(parts, fmt.Sprintf("worker=%s", e.WorkerID))
	}
	if e.UnitID != "" {
		parts = append(parts, fmt.Sprintf("unit=%s", e.UnitID))
	}
	return formatPrefixed("worker error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *WorkerError) Is(target error) bool {
	if _, ok := target.(*WorkerError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ChannelError represents errors related to an IPC channel.
//
// Example:
//
//	err := errors.NewChannelError("no response", errors.ErrRequestTimeout)
//	err = err.WithWorkerID("w-2").WithCorrelationID("c0ffee")
type ChannelError struct {
	baseError
	WorkerID      string
	CorrelationID string
}

// NewChannelError creates a new ChannelError. Timeouts and closed channels
// are retryable by default.
func NewChannelError(message string, cause error) *ChannelError {
	retryable := errors.Is(cause, ErrRequestTimeout) ||
		errors.Is(cause, ErrChannelClosed) ||
		errors.Is(cause, ErrWorkerCrashed) ||
		errors.Is(cause, ErrChannelDisconnected)
	return &ChannelError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  retryable,
			userFacing: true,
		},
	}
}

// WithWorkerID adds a worker ID to the error context.
func (e *ChannelError) WithWorkerID(id string) *ChannelError {
	e.WorkerID = id
	return e
}

// WithCorrelationID adds a request correlation ID to the error context.
func (e *ChannelError) WithCorrelationID(id string) *ChannelError {
	e.CorrelationID = id
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *ChannelError) WithRetryable(r bool) *ChannelError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *ChannelError) Error() string {
	var parts []string
	if e.WorkerID != "" {
		parts = append(parts, fmt.Sprintf("worker=%s", e.WorkerID))
	}
	if e.CorrelationID != "" {
		parts = append(parts, fmt.Sprintf("correlation=%s", e.CorrelationID))
	}
	return formatPrefixed("channel error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ChannelError) Is(target error) bool {
	if _, ok := target.(*ChannelError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// SchedulerError represents errors related to dependency scheduling.
//
// Example:
//
//	err := errors.NewSchedulerError("dispatch failed", errors.ErrPoolExhausted)
//	err = err.WithBatchID("b-1").WithUnitID("test").WithAttempt(2)
type SchedulerError struct {
	baseError
	BatchID string
	UnitID  string
	Attempt int
}

// NewSchedulerError creates a new SchedulerError.
func NewSchedulerError(message string, cause error) *SchedulerError {
	return &SchedulerError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithBatchID adds a batch ID to the error context.
func (e *SchedulerError) WithBatchID(id string) *SchedulerError {
	e.BatchID = id
	return e
}

// WithUnitID adds a unit ID to the error context.
func (e *SchedulerError) WithUnitID(id string) *SchedulerError {
	e.UnitID = id
	return e
}

// WithAttempt records which dispatch attempt failed.
func (e *SchedulerError) WithAttempt(n int) *SchedulerError {
	e.Attempt = n
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *SchedulerError) WithRetryable(r bool) *SchedulerError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *SchedulerError) Error() string {
	var parts []string
	if e.BatchID != "" {
		parts = append(parts, fmt.Sprintf("batch=%s", e.BatchID))
	}
	if e.UnitID != "" {
		parts = append(parts, fmt.Sprintf("unit=%s", e.UnitID))
	}
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}
	return formatPrefixed("scheduler error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *SchedulerError) Is(target error) bool {
	if _, ok := target.(*SchedulerError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// CycleError reports a dependency cycle. Cycle lists the unit ids along the
// cycle with the first id repeated at the end.
type CycleError struct {
	baseError
	Cycle []string
}

// NewCycleError creates a CycleError wrapping ErrCircularDependency.
func NewCycleError(cycle []string) *CycleError {
	return &CycleError{
		baseError: baseError{
			message:    "dependency cycle",
			cause:      ErrCircularDependency,
			severity:   SeverityError,
			userFacing: true,
		},
		Cycle: cycle,
	}
}

// Error returns the formatted error message.
func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency: %s", strings.Join(e.Cycle, " -> "))
}

// Is checks if this error matches the target.
func (e *CycleError) Is(target error) bool {
	if _, ok := target.(*CycleError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ConflictDetail describes one conflicting pair for ConflictError.
type ConflictDetail struct {
	Type  string
	Path  string
	Units [2]string
}

// ConflictError reports conflicting operations found before dispatch.
type ConflictError struct {
	baseError
	Conflicts []ConflictDetail
}

// NewConflictError creates a ConflictError wrapping ErrConflict.
func NewConflictError(conflicts []ConflictDetail) *ConflictError {
	return &ConflictError{
		baseError: baseError{
			message:    "conflicting operations",
			cause:      ErrConflict,
			severity:   SeverityError,
			userFacing: true,
		},
		Conflicts: conflicts,
	}
}

// Error returns the formatted error message.
func (e *ConflictError) Error() string {
	descs := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		descs = append(descs, fmt.Sprintf("%s %s (%s, %s)", c.Type, c.Path, c.Units[0], c.Units[1]))
	}
	sort.Strings(descs)
	return fmt.Sprintf("workspace conflict: %s", strings.Join(descs, "; "))
}

// Is checks if this error matches the target.
func (e *ConflictError) Is(target error) bool {
	if _, ok := target.(*ConflictError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("batch", "abc123")
//	fmt.Println(err) // "batch 'abc123' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("unit id cannot be empty").WithField("units[2].id")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return formatPrefixed("validation error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("acquire worker", 30*time.Second)
//	fmt.Println(err) // "timeout error: acquire worker (timeout: 30s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true, // Timeouts are generally retryable
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// retryableSentinels are transient failures the scheduler may retry on a
// fresh worker.
var retryableSentinels = []error{
	ErrWorkerCrashed,
	ErrRequestTimeout,
	ErrChannelClosed,
	ErrChannelDisconnected,
	ErrPoolExhausted,
	ErrTimeout,
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing SwarmError with IsRetryable() returning true
//   - Errors wrapping a crash, timeout, closed channel or exhausted pool
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var swarmErr SwarmError
	if As(err, &swarmErr) && swarmErr.IsRetryable() {
		return true
	}

	for _, sentinel := range retryableSentinels {
		if Is(err, sentinel) {
			return true
		}
	}
	return false
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var swarmErr SwarmError
	if As(err, &swarmErr) {
		return swarmErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement SwarmError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var swarmErr SwarmError
	if As(err, &swarmErr) {
		return swarmErr.Severity()
	}
	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to load manifest")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
//
// Example:
//
//	err := errors.Wrapf(baseErr, "failed to prepare workspace for %s", unitID)
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
