// Package worker implements the worker side of the orchestration protocol.
//
// A worker process (or goroutine) calls [Serve] with a transport connected
// to the orchestrator and an [Executor] that knows how to carry out one unit.
// Serve answers execute, ping and mode.switch requests and honors cancel and
// shutdown notifications. Executor panics are recovered and reported as unit
// failures rather than taking the worker down.
//
// [CommandExecutor] is the stock executor: it pipes the unit instruction into
// a configured command running inside the unit's working directory.
package worker
