package orchestrator

import (
	"context"
	"sync"

	"github.com/Iron-Ham/swarm/internal/aggregate"
	"github.com/Iron-Ham/swarm/internal/logging"
	"github.com/Iron-Ham/swarm/internal/scheduler"
	"github.com/Iron-Ham/swarm/internal/store"
	"github.com/Iron-Ham/swarm/internal/task"
)

// BatchHandle follows one submitted batch.
type BatchHandle struct {
	id      string
	batch   task.Batch
	run     *scheduler.Run
	tracker *aggregate.Tracker
	cancel  context.CancelFunc
	done    chan struct{}
	store   *store.Store
	logger  *logging.Logger

	mu       sync.Mutex
	snapshot *store.Snapshot
}

// ID returns the batch id.
func (h *BatchHandle) ID() string { return h.id }

// Batch returns the batch as accepted.
func (h *BatchHandle) Batch() task.Batch { return h.batch }

// Run returns the scheduler run executing the batch.
func (h *BatchHandle) Run() *scheduler.Run { return h.run }

// Done is closed once every unit is terminal and batch.completed has been
// published.
func (h *BatchHandle) Done() <-chan struct{} { return h.done }

// Status returns the scheduling status of a unit. Units carried over from
// an earlier run report the status they finished with.
func (h *BatchHandle) Status(unitID string) (task.Status, bool) {
	if st, ok := h.run.Status(unitID); ok {
		return st, true
	}
	if res, ok := h.tracker.Result().Result(unitID); ok {
		return res.Status.Status(), true
	}
	return "", false
}

// Result synthesizes the results recorded so far.
func (h *BatchHandle) Result() *aggregate.SynthesizedResult {
	return h.tracker.Result()
}

// Wait blocks until the batch finishes or ctx is done. A batch whose units
// failed is not an error; inspect the result's Success.
func (h *BatchHandle) Wait(ctx context.Context) (*aggregate.SynthesizedResult, error) {
	select {
	case <-h.done:
		return h.tracker.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel aborts every unfinished unit. It does not wait.
func (h *BatchHandle) Cancel() {
	h.run.AbortAll("canceled")
}

// AbortGroup aborts the unfinished units of a group. A race tracker calls
// it when a group has a winner.
func (h *BatchHandle) AbortGroup(groupID, reason string) int {
	return h.run.AbortGroup(groupID, reason)
}

// Abort stops the given units and returns how many were affected.
func (h *BatchHandle) Abort(unitIDs ...string) int {
	return h.run.Abort(unitIDs...)
}

// collect drains the run, feeding results to the tracker and the snapshot.
func (h *BatchHandle) collect() {
	for res := range h.run.Results() {
		h.tracker.Record(res)
		h.persistResult(res)
	}
	<-h.run.Done()

	res := h.tracker.Result()
	h.mu.Lock()
	if h.snapshot != nil {
		h.snapshot.Done = true
		h.snapshot.Success = res.Success
	}
	h.mu.Unlock()
	h.save()
}

func (h *BatchHandle) persistResult(res task.TaskResult) {
	h.mu.Lock()
	if h.snapshot != nil {
		h.snapshot.Record(res)
	}
	h.mu.Unlock()
	h.save()
}

// markRunning records that a unit was dispatched.
func (h *BatchHandle) markRunning(unitID string) {
	h.mu.Lock()
	if h.snapshot == nil || h.snapshot.Statuses[unitID].IsTerminal() {
		h.mu.Unlock()
		return
	}
	h.snapshot.Statuses[unitID] = task.StatusRunning
	h.mu.Unlock()
	h.save()
}

// save writes the snapshot. Persistence failures are logged, never fatal to
// the batch.
func (h *BatchHandle) save() {
	if h.store == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.snapshot == nil {
		return
	}
	if err := h.store.Save(h.snapshot); err != nil {
		h.logger.Warn("saving batch snapshot", "error", err)
	}
}
