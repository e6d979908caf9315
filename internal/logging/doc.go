// Package logging provides structured logging for swarm.
//
// [Logger] wraps log/slog. Output is JSON (one object per line) written to
// swarm.log inside the configured state directory, or a human-readable console
// format rendered by charmbracelet/log when attached to a terminal.
//
// Child loggers carry orchestration context:
//
//	logger := base.WithBatch(batchID).WithUnit("build")
//	logger.Info("unit dispatched", "instance_id", inst.ID)
//
// Long-running orchestrators write through a [RotatingWriter] so a single
// batch with many workers cannot grow the log without bound.
package logging
