package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/swarm/internal/conflict"
	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/event"
	"github.com/Iron-Ham/swarm/internal/graph"
	"github.com/Iron-Ham/swarm/internal/ipc"
	"github.com/Iron-Ham/swarm/internal/logging"
	"github.com/Iron-Ham/swarm/internal/task"
)

type unitState struct {
	unit      task.WorkUnit
	status    task.Status
	footprint *conflict.Footprint
	attempts  int

	cancel      context.CancelFunc
	abortReason string
	workerID    string
	startedAt   time.Time
}

// Loop messages.
type attemptDoneMsg struct {
	id        string
	workerID  string
	startedAt time.Time
	resp      ipc.ExecuteResponse
	err       error
}

type abortMsg struct {
	ids     []string
	group   string
	byGroup bool
	all     bool
	reason  string
	reply   chan int
}

type observedMsg struct {
	id string
	op task.Operation
}

// Run is one batch moving through the scheduler.
type Run struct {
	s       *Scheduler
	graph   *graph.Graph
	opts    Options
	logger  *logging.Logger
	results chan task.TaskResult
	inbox   chan any
	done    chan struct{}
	wg      conc.WaitGroup

	// Owned by the loop.
	units    map[string]*unitState
	topo     []string
	running  int
	terminal int

	mu       sync.RWMutex
	statuses map[string]task.Status
}

func newRun(s *Scheduler, g *graph.Graph, prints map[string]*conflict.Footprint, opts Options) *Run {
	r := &Run{
		s:        s,
		graph:    g,
		opts:     opts,
		logger:   s.logger.WithBatch(opts.BatchID),
		results:  make(chan task.TaskResult, g.Len()),
		inbox:    make(chan any),
		done:     make(chan struct{}),
		units:    make(map[string]*unitState, g.Len()),
		topo:     g.TopologicalOrder(),
		statuses: make(map[string]task.Status, g.Len()),
	}
	for _, id := range g.IDs() {
		u, _ := g.Unit(id)
		r.units[id] = &unitState{unit: u, status: task.StatusPending, footprint: prints[id]}
		r.statuses[id] = task.StatusPending
	}
	return r
}

// BatchID returns the batch this run belongs to.
func (r *Run) BatchID() string { return r.opts.BatchID }

// Graph returns the validated dependency graph.
func (r *Run) Graph() *graph.Graph { return r.graph }

// Results yields one TaskResult per unit as it reaches a terminal state.
// It is closed after the last one.
func (r *Run) Results() <-chan task.TaskResult { return r.results }

// Done is closed when every unit is terminal and all attempts have returned.
func (r *Run) Done() <-chan struct{} { return r.done }

// Status returns the current status of a unit.
func (r *Run) Status(id string) (task.Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.statuses[id]
	return s, ok
}

// Statuses returns a snapshot of every unit's status.
func (r *Run) Statuses() map[string]task.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]task.Status, len(r.statuses))
	for id, s := range r.statuses {
		out[id] = s
	}
	return out
}

// Abort stops the given units. Units not yet started end aborted
// immediately; running units are sent a cancel and end aborted once their
// worker answers. It returns how many units were affected.
func (r *Run) Abort(ids ...string) int {
	return r.abort(abortMsg{ids: ids, reason: "aborted"})
}

// AbortGroup aborts every unfinished unit sharing groupID. The empty group
// id addresses the ungrouped units.
func (r *Run) AbortGroup(groupID, reason string) int {
	if reason == "" {
		reason = "group " + groupID + " aborted"
	}
	return r.abort(abortMsg{group: groupID, byGroup: true, reason: reason})
}

// AbortAll aborts every unfinished unit.
func (r *Run) AbortAll(reason string) int {
	return r.abort(abortMsg{all: true, reason: reason})
}

func (r *Run) abort(msg abortMsg) int {
	msg.reply = make(chan int, 1)
	if !r.send(msg) {
		return 0
	}
	return <-msg.reply
}

// Observe records an operation a unit actually performed. Conflicts with
// other running units are published as conflict.observed events, and the
// operation is taken into account for later dispatch decisions.
func (r *Run) Observe(unitID string, op task.Operation) {
	r.send(observedMsg{id: unitID, op: op})
}

func (r *Run) send(msg any) bool {
	select {
	case r.inbox <- msg:
		return true
	case <-r.done:
		return false
	}
}

func (r *Run) loop(ctx context.Context) {
	defer close(r.done)
	defer r.wg.Wait()
	defer close(r.results)

	r.logger.Info("batch scheduled", "units", r.graph.Len(), "concurrency_limit", r.opts.ConcurrencyLimit)

	ctxDone := ctx.Done()
	r.advance(ctx)
	for r.terminal < len(r.units) {
		select {
		case msg := <-r.inbox:
			r.handle(msg)
		case <-ctxDone:
			ctxDone = nil
			r.abortMatching(func(*unitState) bool { return true }, "canceled: "+ctx.Err().Error())
		}
		r.advance(ctx)
	}
	r.logger.Info("batch finished", "units", len(r.units))
}

func (r *Run) handle(msg any) {
	switch msg := msg.(type) {
	case attemptDoneMsg:
		r.attemptDone(msg)

	case abortMsg:
		var n int
		switch {
		case msg.all:
			n = r.abortMatching(func(*unitState) bool { return true }, msg.reason)
		case msg.byGroup:
			n = r.abortMatching(func(st *unitState) bool { return st.unit.GroupID == msg.group }, msg.reason)
		default:
			want := make(map[string]bool, len(msg.ids))
			for _, id := range msg.ids {
				want[id] = true
			}
			n = r.abortMatching(func(st *unitState) bool { return want[st.unit.ID] }, msg.reason)
		}
		msg.reply <- n

	case observedMsg:
		r.observed(msg)
	}
}

// advance settles pending units and starts what can run. Walking in
// topological order lets an abort cascade down a chain in one pass.
func (r *Run) advance(ctx context.Context) {
	for _, id := range r.topo {
		st := r.units[id]
		if st.status != task.StatusPending {
			continue
		}
		ready, blocker := r.readiness(id)
		switch {
		case blocker != "":
			r.finish(st, task.OutcomeAborted, nil, fmt.Sprintf("dependency %s did not complete", blocker))
		case ready:
			r.setStatus(st, task.StatusReady)
		}
	}
	r.dispatch(ctx)
}

// readiness reports whether every predecessor is done, or names a
// predecessor whose failure blocks id.
func (r *Run) readiness(id string) (bool, string) {
	for _, dep := range r.graph.Predecessors(id) {
		ds := r.units[dep].status
		if !ds.IsTerminal() {
			return false, ""
		}
		if ds != task.StatusCompleted && !r.opts.RunAfterFailure {
			return false, dep
		}
	}
	return true, ""
}

func (r *Run) dispatch(ctx context.Context) {
	var ready []string
	for _, id := range r.topo {
		if r.units[id].status == task.StatusReady {
			ready = append(ready, id)
		}
	}
	if len(ready) == 0 {
		return
	}
	if r.opts.DeclaredOrder {
		r.graph.SortSubmission(ready)
	} else {
		r.graph.SortReady(ready)
	}

	for _, id := range ready {
		if r.opts.ConcurrencyLimit > 0 && r.running >= r.opts.ConcurrencyLimit {
			return
		}
		st := r.units[id]
		if other := r.conflictingRunning(st); other != "" {
			r.logger.Debug("deferring conflicting unit", "unit_id", id, "running", other)
			if r.opts.DeclaredOrder {
				return
			}
			continue
		}
		r.start(ctx, st)
	}
}

func (r *Run) conflictingRunning(st *unitState) string {
	for _, other := range r.units {
		if other.status == task.StatusRunning && conflict.Conflicts(st.footprint, other.footprint) {
			return other.unit.ID
		}
	}
	return ""
}

func (r *Run) start(ctx context.Context, st *unitState) {
	st.attempts++
	st.startedAt = time.Now()
	r.setStatus(st, task.StatusRunning)
	r.running++

	unitCtx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	unit := st.unit
	attempt := st.attempts
	r.wg.Go(func() {
		r.send(r.attempt(unitCtx, unit, attempt))
	})
}

func (r *Run) attemptDone(msg attemptDoneMsg) {
	st, ok := r.units[msg.id]
	if !ok || st.status != task.StatusRunning {
		return
	}
	r.running--
	st.cancel()
	st.cancel = nil
	st.workerID = msg.workerID
	if !msg.startedAt.IsZero() {
		st.startedAt = msg.startedAt
	}
	log := r.logger.WithUnit(st.unit.ID)

	if st.abortReason != "" {
		r.finish(st, task.OutcomeAborted, &msg.resp, st.abortReason)
		return
	}

	if msg.err != nil && (errors.Is(msg.err, context.Canceled) || errors.Is(msg.err, context.DeadlineExceeded)) {
		r.finish(st, task.OutcomeAborted, nil, "canceled: "+msg.err.Error())
		return
	}
	if msg.err != nil {
		budget := r.opts.MaxRetries
		if st.unit.MaxRetries != nil {
			budget = *st.unit.MaxRetries
		}
		if errors.IsRetryable(msg.err) && st.attempts <= budget {
			log.Warn("retrying unit", "attempt", st.attempts, "error", msg.err)
			r.s.bus.Publish(event.NewUnitRetryingEvent(r.opts.BatchID, st.unit.ID, st.attempts, msg.err.Error()))
			r.setStatus(st, task.StatusReady)
			return
		}
		err := errors.NewSchedulerError("unit failed", msg.err).
			WithBatchID(r.opts.BatchID).
			WithUnitID(st.unit.ID).
			WithAttempt(st.attempts)
		r.finish(st, task.OutcomeFailure, nil, err.Error())
		return
	}

	outcome := msg.resp.Status
	if outcome == "" {
		outcome = task.OutcomeSuccess
	}
	r.finish(st, outcome, &msg.resp, msg.resp.Error)
}

func (r *Run) abortMatching(match func(*unitState) bool, reason string) int {
	n := 0
	for _, id := range r.topo {
		st := r.units[id]
		if st.status.IsTerminal() || !match(st) {
			continue
		}
		n++
		if st.status == task.StatusRunning {
			if st.abortReason == "" {
				st.abortReason = reason
				st.cancel()
			}
			continue
		}
		r.finish(st, task.OutcomeAborted, nil, reason)
	}
	return n
}

func (r *Run) observed(msg observedMsg) {
	st, ok := r.units[msg.id]
	if !ok || st.status.IsTerminal() {
		return
	}
	if !r.s.analyzer.AddOperation(st.footprint, msg.op) {
		return
	}
	if st.status != task.StatusRunning {
		return
	}
	for _, other := range r.units {
		if other == st || other.status != task.StatusRunning {
			continue
		}
		for _, c := range conflict.Compare(st.footprint, other.footprint) {
			r.logger.Warn("conflicting operations observed",
				"type", c.Type,
				"path", c.Path,
				"units", c.UnitIDs,
			)
			r.s.bus.Publish(event.NewConflictObservedEvent(r.opts.BatchID, c.Path, c.UnitIDs[:]))
		}
	}
}

// finish moves st to its terminal state and emits its result.
func (r *Run) finish(st *unitState, outcome task.Outcome, resp *ipc.ExecuteResponse, errMsg string) {
	res := task.TaskResult{
		UnitID:     st.unit.ID,
		GroupID:    st.unit.GroupID,
		Status:     outcome,
		Error:      errMsg,
		Attempts:   st.attempts,
		WorkerID:   st.workerID,
		StartedAt:  st.startedAt,
		FinishedAt: time.Now(),
	}
	if resp != nil {
		res.Output = resp.Output
		res.Metrics = resp.Metrics
	}
	if outcome == task.OutcomeSuccess {
		res.Error = ""
	}

	r.setStatus(st, outcome.Status())
	r.terminal++
	r.results <- res

	log := r.logger.WithUnit(st.unit.ID)
	switch outcome {
	case task.OutcomeSuccess:
		log.Info("unit completed", "attempts", res.Attempts, "worker_id", res.WorkerID)
		r.s.bus.Publish(event.NewUnitCompletedEvent(r.opts.BatchID, res))
	case task.OutcomeAborted:
		log.Info("unit aborted", "reason", errMsg)
		r.s.bus.Publish(event.NewUnitAbortedEvent(r.opts.BatchID, st.unit.ID, errMsg))
	default:
		log.Info("unit failed", "error", errMsg)
		r.s.bus.Publish(event.NewUnitFailedEvent(r.opts.BatchID, res))
	}
}

func (r *Run) setStatus(st *unitState, s task.Status) {
	st.status = s
	r.mu.Lock()
	r.statuses[st.unit.ID] = s
	r.mu.Unlock()
}
