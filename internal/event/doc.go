// Package event provides a pub-sub event bus for status reporting.
//
// The scheduler, worker pool and orchestrator publish events describing
// each unit's lifecycle; the audit store, the CLI and tests subscribe to
// them. Publishers never know who is listening.
//
// # Event Categories
//
// Batch:
//   - [BatchSubmittedEvent], [BatchCompletedEvent]
//
// Unit:
//   - [UnitStartedEvent], [UnitCompletedEvent], [UnitFailedEvent],
//     [UnitRetryingEvent], [UnitAbortedEvent]
//
// Worker:
//   - [WorkerSpawnedEvent], [WorkerCrashedEvent], [WorkerTerminatedEvent]
//
// Conflict and mode:
//   - [ConflictDetectedEvent], [ConflictObservedEvent], [ModeChangedEvent]
//
// # Thread Safety
//
// The [Bus] type is safe for concurrent use. Handlers are called
// synchronously on the publishing goroutine and must not block. A panicking
// handler is recovered and does not prevent delivery to other handlers.
//
// # Batch Scoping
//
// Most listeners care about one batch. [Bus.SubscribeBatch] delivers the
// events [BatchOf] attributes to that batch; worker events carry no batch
// and reach only unscoped subscribers.
//
//	id := bus.SubscribeBatch(h.ID(), func(e event.Event) {
//	    if failed, ok := e.(event.UnitFailedEvent); ok {
//	        log.Printf("unit %s failed: %s", failed.Result.UnitID, failed.Result.Error)
//	    }
//	})
//	defer bus.Unsubscribe(id)
package event
