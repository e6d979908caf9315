// Package scheduler drives a batch of work units through their dependency
// graph.
//
// Schedule validates the graph and, under the reject policy, refuses
// batches whose unordered units declare conflicting operations. It then
// starts a Run. One coordination goroutine per Run owns all readiness
// state: it promotes units whose predecessors completed, picks the ready
// units to start (lowest priority value first, then submission order,
// skipping any that conflict with a running unit), and records each
// attempt's outcome. Attempts run in their own goroutines, which acquire a
// pool instance, switch its mode, send the execute request, and report
// back to the loop over a channel.
//
// Crashes, timeouts, closed channels, and pool exhaustion are retried up
// to the unit's retry budget. Every unit yields exactly one TaskResult on
// Run.Results, which is closed once all units are terminal.
package scheduler
