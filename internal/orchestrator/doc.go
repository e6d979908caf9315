// Package orchestrator is the entry point for running batches. It wires the
// worker pool, the dependency scheduler, result aggregation, workspace
// layout, filesystem observation and batch persistence together.
//
// A typical caller:
//
//	orch, err := orchestrator.New(cfg, spawner, orchestrator.WithStore(st))
//	h, err := orch.Submit(ctx, batch)
//	result, err := h.Wait(ctx)
//	_ = orch.Shutdown(ctx)
//
// Structural problems with a batch (duplicate ids, unknown dependencies,
// cycles, and conflicts under the reject policy) are returned by Submit
// before any unit is dispatched.
package orchestrator
