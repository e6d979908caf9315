// Package pool manages the set of live worker instances.
//
// A single loop goroutine owns all pool state. Acquire, Release, and
// Shutdown post messages to it, as do the timers and watchers the pool
// starts for idle expiry, health checks, and crash detection. Waiters are
// served in arrival order; an instance goes to at most one caller at a time.
//
// Each instance has its own mode context, allocated from a mode.Arena, and
// its own ipc.Channel. A worker that exits or fails a health check is
// marked crashed, its pending requests fail with ErrWorkerCrashed, and the
// pool publishes a worker.crashed event naming the unit it was running.
package pool
