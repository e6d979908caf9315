package orchestrator

import (
	"time"

	"github.com/Iron-Ham/swarm/internal/store"
	"github.com/Iron-Ham/swarm/internal/task"
)

// resumePlan splits a persisted batch into what runs again and what is
// settled without running.
type resumePlan struct {
	// units are resubmitted, in submission order.
	units []task.WorkUnit
	// satisfied are completed units that resubmitted units may depend on.
	satisfied []string
	// skipped are units settled without running: members of a race group
	// that already has a winner, and their dependents.
	skipped []task.TaskResult
}

func planResume(snap *store.Snapshot, runAfterFailure bool) resumePlan {
	var plan resumePlan

	completed := make(map[string]bool)
	for _, res := range snap.Completed() {
		completed[res.UnitID] = true
	}

	// Race groups that already have a winner are settled.
	won := make(map[string]string)
	if snap.Strategy == task.StrategyRace {
		for _, u := range snap.Units {
			if completed[u.ID] {
				if _, ok := won[u.GroupID]; !ok {
					won[u.GroupID] = u.ID
				}
			}
		}
	}

	skippedReason := make(map[string]string)
	now := time.Now()
	skip := func(u task.WorkUnit, reason string) {
		skippedReason[u.ID] = reason
		plan.skipped = append(plan.skipped, task.TaskResult{
			UnitID:     u.ID,
			GroupID:    u.GroupID,
			Status:     task.OutcomeAborted,
			Error:      reason,
			FinishedAt: now,
		})
	}

	// Skips cascade to dependents; iterate to a fixed point.
	pending := make([]task.WorkUnit, 0, len(snap.Units))
	for _, u := range snap.Units {
		switch {
		case completed[u.ID]:
			plan.satisfied = append(plan.satisfied, u.ID)
		case won[u.GroupID] != "":
			skip(u, "race won by "+won[u.GroupID])
		default:
			pending = append(pending, u)
		}
	}
	for changed := true; changed; {
		changed = false
		for _, u := range pending {
			if _, done := skippedReason[u.ID]; done {
				continue
			}
			for _, dep := range u.Dependencies {
				if _, skipped := skippedReason[dep]; skipped {
					if runAfterFailure {
						continue
					}
					skip(u, "dependency "+dep+" did not complete")
					changed = true
					break
				}
			}
		}
	}

	for _, u := range pending {
		if _, skipped := skippedReason[u.ID]; skipped {
			continue
		}
		u = u.Clone()
		if runAfterFailure {
			u.Dependencies = keepUnskipped(u.Dependencies, skippedReason)
		}
		plan.units = append(plan.units, u)
	}
	return plan
}

func keepUnskipped(deps []string, skipped map[string]string) []string {
	out := deps[:0:0]
	for _, d := range deps {
		if _, ok := skipped[d]; !ok {
			out = append(out, d)
		}
	}
	return out
}
