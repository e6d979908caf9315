package aggregate

import (
	"sync"

	"github.com/Iron-Ham/swarm/internal/task"
)

// GroupAborter stops the unfinished units of a group. *scheduler.Run
// implements it.
type GroupAborter interface {
	AbortGroup(groupID, reason string) int
}

// Tracker follows a running batch. For race batches it aborts the rest of
// a group as soon as one member succeeds.
type Tracker struct {
	batchID  string
	strategy task.Strategy
	opts     Options
	aborter  GroupAborter

	mu         sync.Mutex
	order      []string
	groupOf    map[string]string
	groups     map[string]*BatchOperation
	groupOrder []string
	results    map[string]task.TaskResult
}

// NewTracker creates a Tracker for units. aborter may be nil.
func NewTracker(batchID string, units []task.WorkUnit, strategy task.Strategy, opts Options, aborter GroupAborter) *Tracker {
	if strategy == "" {
		strategy = task.StrategyAll
	}
	t := &Tracker{
		batchID:  batchID,
		strategy: strategy,
		opts:     opts,
		aborter:  aborter,
		groupOf:  make(map[string]string, len(units)),
		groups:   make(map[string]*BatchOperation),
		results:  make(map[string]task.TaskResult, len(units)),
	}
	for _, u := range units {
		t.order = append(t.order, u.ID)
		t.groupOf[u.ID] = u.GroupID
		op, ok := t.groups[u.GroupID]
		if !ok {
			op = &BatchOperation{
				GroupID:  u.GroupID,
				Strategy: strategy,
				Results:  make(map[string]task.TaskResult),
				Status:   GroupPending,
			}
			t.groups[u.GroupID] = op
			t.groupOrder = append(t.groupOrder, u.GroupID)
		}
		op.Units = append(op.Units, u.ID)
	}
	return t
}

// Record adds a terminal result. It reports whether this result resolved
// the unit's group. Results for unknown units are ignored.
func (t *Tracker) Record(res task.TaskResult) bool {
	t.mu.Lock()
	gid, ok := t.groupOf[res.UnitID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	t.results[res.UnitID] = res
	op := t.groups[gid]
	op.Results[res.UnitID] = res
	if op.Resolved() {
		t.mu.Unlock()
		return false
	}

	var abort bool
	if t.strategy == task.StrategyRace && res.Succeeded() {
		op.Winner = res.UnitID
		op.Status = GroupSucceeded
		abort = len(op.Results) < len(op.Units)
	} else if len(op.Results) == len(op.Units) {
		op.Status = t.judge(op)
	}
	resolved := op.Resolved()
	winner := op.Winner
	t.mu.Unlock()

	if abort && t.aborter != nil {
		t.aborter.AbortGroup(gid, "race won by "+winner)
	}
	return resolved
}

// judge decides a complete group that no race winner resolved.
func (t *Tracker) judge(op *BatchOperation) GroupStatus {
	if t.strategy == task.StrategyRace {
		return GroupFailed
	}
	succeeded := 0
	for _, res := range op.Results {
		if res.Succeeded() {
			succeeded++
		}
	}
	if succeeded == len(op.Units) || (t.opts.TolerateFailure && succeeded > 0) {
		return GroupSucceeded
	}
	return GroupFailed
}

// Resolved reports whether every group has reached its final status.
func (t *Tracker) Resolved() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, op := range t.groups {
		if !op.Resolved() {
			return false
		}
	}
	return true
}

// Group returns a copy of the operation for groupID.
func (t *Tracker) Group(groupID string) (BatchOperation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.groups[groupID]
	if !ok {
		return BatchOperation{}, false
	}
	return copyOp(op), true
}

func copyOp(op *BatchOperation) BatchOperation {
	c := *op
	c.Units = append([]string(nil), op.Units...)
	c.Results = make(map[string]task.TaskResult, len(op.Results))
	for k, v := range op.Results {
		c.Results[k] = v
	}
	return c
}

// Result synthesizes what has been recorded so far. Units without a result
// are left out; groups still pending count as unsuccessful.
func (t *Tracker) Result() *SynthesizedResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := &SynthesizedResult{
		BatchID:  t.batchID,
		Strategy: t.strategy,
		Success:  len(t.groups) > 0,
	}
	for _, id := range t.order {
		res, ok := t.results[id]
		if !ok {
			continue
		}
		out.Results = append(out.Results, res)
		out.Metrics = out.Metrics.Add(res.Metrics)
		switch res.Status {
		case task.OutcomeSuccess:
			out.Completed++
		case task.OutcomeAborted:
			out.Aborted++
		default:
			out.Failed++
		}
	}

	var winners []task.TaskResult
	for _, gid := range t.groupOrder {
		op := t.groups[gid]
		out.Groups = append(out.Groups, copyOp(op))
		if op.Status != GroupSucceeded {
			out.Success = false
		}
		if op.Winner != "" {
			winners = append(winners, op.Results[op.Winner])
		}
	}

	switch {
	case t.strategy != task.StrategyRace:
		out.Output = joinOutputs(out.Results)
	case len(t.groupOrder) == 1 && len(winners) == 1:
		out.Winner = winners[0].UnitID
		out.Output = winners[0].Output
	default:
		out.Output = joinOutputs(winners)
	}
	return out
}
