package event

import (
	"time"

	"github.com/Iron-Ham/swarm/internal/aggregate"
	"github.com/Iron-Ham/swarm/internal/task"
)

// Event is the interface that all events must implement.
// It provides a common way to identify and timestamp events.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "unit.started", "worker.crashed")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type identifiers.
const (
	TypeBatchSubmitted   = "batch.submitted"
	TypeBatchCompleted   = "batch.completed"
	TypeUnitStarted      = "unit.started"
	TypeUnitCompleted    = "unit.completed"
	TypeUnitFailed       = "unit.failed"
	TypeUnitRetrying     = "unit.retrying"
	TypeUnitAborted      = "unit.aborted"
	TypeWorkerSpawned    = "worker.spawned"
	TypeWorkerCrashed    = "worker.crashed"
	TypeWorkerTerminated = "worker.terminated"
	TypeConflictDetected = "conflict.detected"
	TypeConflictObserved = "conflict.observed"
	TypeModeChanged      = "mode.changed"
)

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Batch Events
// -----------------------------------------------------------------------------

// BatchSubmittedEvent is emitted once a batch passed validation and scheduling begins.
type BatchSubmittedEvent struct {
	baseEvent
	BatchID  string        `json:"batch_id"`
	Strategy task.Strategy `json:"strategy"`
	UnitIDs  []string      `json:"unit_ids"`
}

// NewBatchSubmittedEvent creates a BatchSubmittedEvent.
func NewBatchSubmittedEvent(batchID string, strategy task.Strategy, unitIDs []string) BatchSubmittedEvent {
	return BatchSubmittedEvent{
		baseEvent: newBaseEvent(TypeBatchSubmitted),
		BatchID:   batchID,
		Strategy:  strategy,
		UnitIDs:   unitIDs,
	}
}

// BatchCompletedEvent is emitted after every unit of a batch reached a
// terminal state. It carries the synthesized result, including the
// combined output and metrics.
type BatchCompletedEvent struct {
	baseEvent
	BatchID string                       `json:"batch_id"`
	Result  *aggregate.SynthesizedResult `json:"result"`
}

// NewBatchCompletedEvent creates a BatchCompletedEvent for res.
func NewBatchCompletedEvent(res *aggregate.SynthesizedResult) BatchCompletedEvent {
	return BatchCompletedEvent{
		baseEvent: newBaseEvent(TypeBatchCompleted),
		BatchID:   res.BatchID,
		Result:    res,
	}
}

// -----------------------------------------------------------------------------
// Unit Events
// -----------------------------------------------------------------------------

// UnitStartedEvent is emitted when a unit is dispatched to a worker.
type UnitStartedEvent struct {
	baseEvent
	BatchID  string `json:"batch_id"`
	UnitID   string `json:"unit_id"`
	WorkerID string `json:"worker_id"`
	Attempt  int    `json:"attempt"`
}

// NewUnitStartedEvent creates a UnitStartedEvent.
func NewUnitStartedEvent(batchID, unitID, workerID string, attempt int) UnitStartedEvent {
	return UnitStartedEvent{
		baseEvent: newBaseEvent(TypeUnitStarted),
		BatchID:   batchID,
		UnitID:    unitID,
		WorkerID:  workerID,
		Attempt:   attempt,
	}
}

// UnitCompletedEvent is emitted when a unit finishes successfully.
type UnitCompletedEvent struct {
	baseEvent
	BatchID string          `json:"batch_id"`
	Result  task.TaskResult `json:"result"`
}

// NewUnitCompletedEvent creates a UnitCompletedEvent.
func NewUnitCompletedEvent(batchID string, result task.TaskResult) UnitCompletedEvent {
	return UnitCompletedEvent{
		baseEvent: newBaseEvent(TypeUnitCompleted),
		BatchID:   batchID,
		Result:    result,
	}
}

// UnitFailedEvent is emitted when a unit fails with no retries left.
type UnitFailedEvent struct {
	baseEvent
	BatchID string          `json:"batch_id"`
	Result  task.TaskResult `json:"result"`
}

// NewUnitFailedEvent creates a UnitFailedEvent.
func NewUnitFailedEvent(batchID string, result task.TaskResult) UnitFailedEvent {
	return UnitFailedEvent{
		baseEvent: newBaseEvent(TypeUnitFailed),
		BatchID:   batchID,
		Result:    result,
	}
}

// UnitRetryingEvent is emitted when a transient failure sends a unit back to the ready set.
type UnitRetryingEvent struct {
	baseEvent
	BatchID string `json:"batch_id"`
	UnitID  string `json:"unit_id"`
	Attempt int    `json:"attempt"`
	Error   string `json:"error"`
}

// NewUnitRetryingEvent creates a UnitRetryingEvent.
func NewUnitRetryingEvent(batchID, unitID string, attempt int, errMsg string) UnitRetryingEvent {
	return UnitRetryingEvent{
		baseEvent: newBaseEvent(TypeUnitRetrying),
		BatchID:   batchID,
		UnitID:    unitID,
		Attempt:   attempt,
		Error:     errMsg,
	}
}

// UnitAbortedEvent is emitted when a unit is canceled or skipped.
type UnitAbortedEvent struct {
	baseEvent
	BatchID string `json:"batch_id"`
	UnitID  string `json:"unit_id"`
	Reason  string `json:"reason"`
}

// NewUnitAbortedEvent creates a UnitAbortedEvent.
func NewUnitAbortedEvent(batchID, unitID, reason string) UnitAbortedEvent {
	return UnitAbortedEvent{
		baseEvent: newBaseEvent(TypeUnitAborted),
		BatchID:   batchID,
		UnitID:    unitID,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Worker Events
// -----------------------------------------------------------------------------

// WorkerSpawnedEvent is emitted when the pool starts a new instance.
type WorkerSpawnedEvent struct {
	baseEvent
	WorkerID string `json:"worker_id"`
	Class    string `json:"class"`
}

// NewWorkerSpawnedEvent creates a WorkerSpawnedEvent.
func NewWorkerSpawnedEvent(workerID, class string) WorkerSpawnedEvent {
	return WorkerSpawnedEvent{
		baseEvent: newBaseEvent(TypeWorkerSpawned),
		WorkerID:  workerID,
		Class:     class,
	}
}

// WorkerCrashedEvent is emitted once per instance whose process exited unexpectedly.
type WorkerCrashedEvent struct {
	baseEvent
	WorkerID string `json:"worker_id"`
	UnitID   string `json:"unit_id,omitempty"`
	Error    string `json:"error"`
}

// NewWorkerCrashedEvent creates a WorkerCrashedEvent.
func NewWorkerCrashedEvent(workerID, unitID, errMsg string) WorkerCrashedEvent {
	return WorkerCrashedEvent{
		baseEvent: newBaseEvent(TypeWorkerCrashed),
		WorkerID:  workerID,
		UnitID:    unitID,
		Error:     errMsg,
	}
}

// WorkerTerminatedEvent is emitted when the pool retires an instance.
type WorkerTerminatedEvent struct {
	baseEvent
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason"` // e.g. "idle timeout", "pool shutting down"
}

// NewWorkerTerminatedEvent creates a WorkerTerminatedEvent.
func NewWorkerTerminatedEvent(workerID, reason string) WorkerTerminatedEvent {
	return WorkerTerminatedEvent{
		baseEvent: newBaseEvent(TypeWorkerTerminated),
		WorkerID:  workerID,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Conflict Events
// -----------------------------------------------------------------------------

// ConflictDetectedEvent is emitted for each conflicting pair found among declared operations.
type ConflictDetectedEvent struct {
	baseEvent
	BatchID      string   `json:"batch_id"`
	ConflictType string   `json:"conflict_type"`
	Path         string   `json:"path"`
	UnitIDs      []string `json:"unit_ids"`
}

// NewConflictDetectedEvent creates a ConflictDetectedEvent.
func NewConflictDetectedEvent(batchID, conflictType, path string, unitIDs []string) ConflictDetectedEvent {
	return ConflictDetectedEvent{
		baseEvent:    newBaseEvent(TypeConflictDetected),
		BatchID:      batchID,
		ConflictType: conflictType,
		Path:         path,
		UnitIDs:      unitIDs,
	}
}

// ConflictObservedEvent is emitted when a running unit touches a path another
// running unit declared or touched.
type ConflictObservedEvent struct {
	baseEvent
	BatchID string   `json:"batch_id"`
	Path    string   `json:"path"`
	UnitIDs []string `json:"unit_ids"`
}

// NewConflictObservedEvent creates a ConflictObservedEvent.
func NewConflictObservedEvent(batchID, path string, unitIDs []string) ConflictObservedEvent {
	return ConflictObservedEvent{
		baseEvent: newBaseEvent(TypeConflictObserved),
		BatchID:   batchID,
		Path:      path,
		UnitIDs:   unitIDs,
	}
}

// -----------------------------------------------------------------------------
// Mode Events
// -----------------------------------------------------------------------------

// ModeChangedEvent is emitted when a worker's mode context switches.
type ModeChangedEvent struct {
	baseEvent
	WorkerID string `json:"worker_id"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// NewModeChangedEvent creates a ModeChangedEvent.
func NewModeChangedEvent(workerID, from, to string) ModeChangedEvent {
	return ModeChangedEvent{
		baseEvent: newBaseEvent(TypeModeChanged),
		WorkerID:  workerID,
		From:      from,
		To:        to,
	}
}

// BatchOf returns the batch an event belongs to. Worker and mode events are
// not tied to a batch and report false.
func BatchOf(e Event) (string, bool) {
	switch e := e.(type) {
	case BatchSubmittedEvent:
		return e.BatchID, true
	case BatchCompletedEvent:
		return e.BatchID, true
	case UnitStartedEvent:
		return e.BatchID, true
	case UnitCompletedEvent:
		return e.BatchID, true
	case UnitFailedEvent:
		return e.BatchID, true
	case UnitRetryingEvent:
		return e.BatchID, true
	case UnitAbortedEvent:
		return e.BatchID, true
	case ConflictDetectedEvent:
		return e.BatchID, true
	case ConflictObservedEvent:
		return e.BatchID, true
	default:
		return "", false
	}
}
