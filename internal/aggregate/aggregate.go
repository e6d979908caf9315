// Package aggregate combines the results of a batch into one
// SynthesizedResult according to the batch strategy.
package aggregate

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Iron-Ham/swarm/internal/task"
)

// GroupStatus is the state of a BatchOperation.
type GroupStatus string

const (
	GroupPending   GroupStatus = "pending"
	GroupSucceeded GroupStatus = "succeeded"
	GroupFailed    GroupStatus = "failed"
)

// BatchOperation tracks the units sharing a group id. Ungrouped units form
// the group with the empty id.
type BatchOperation struct {
	GroupID  string                     `json:"group_id"`
	Strategy task.Strategy              `json:"strategy"`
	Units    []string                   `json:"units"`
	Results  map[string]task.TaskResult `json:"results"`
	Status   GroupStatus                `json:"status"`
	// Winner is the unit whose success resolved a race group.
	Winner string `json:"winner,omitempty"`
}

// Resolved reports whether the group has reached its final status.
func (op *BatchOperation) Resolved() bool {
	return op.Status != GroupPending
}

// Options tune how results are judged.
type Options struct {
	// TolerateFailure counts an all or sequential group as successful when
	// at least one unit succeeded.
	TolerateFailure bool
}

// SynthesizedResult is what the caller of a batch receives.
type SynthesizedResult struct {
	BatchID  string        `json:"batch_id"`
	Strategy task.Strategy `json:"strategy"`
	Success  bool          `json:"success"`
	Output   string        `json:"output"`
	Metrics  task.Metrics  `json:"metrics"`
	// Results are in submission order.
	Results []task.TaskResult `json:"results"`
	Groups  []BatchOperation  `json:"groups"`
	// Winner is set for race batches with a single group.
	Winner    string `json:"winner,omitempty"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Aborted   int    `json:"aborted"`
}

// Result returns the result for unitID.
func (r *SynthesizedResult) Result(unitID string) (task.TaskResult, bool) {
	for _, res := range r.Results {
		if res.UnitID == unitID {
			return res, true
		}
	}
	return task.TaskResult{}, false
}

// Collect synthesizes results that are already complete. Race winners are
// decided by FinishedAt, ties by submission order.
func Collect(batchID string, results map[string]task.TaskResult, order []string, strategy task.Strategy, opts Options) *SynthesizedResult {
	units := make([]task.WorkUnit, 0, len(order))
	for _, id := range order {
		units = append(units, task.WorkUnit{ID: id, GroupID: results[id].GroupID})
	}
	t := NewTracker(batchID, units, strategy, opts, nil)

	byCompletion := slices.Clone(order)
	slices.SortStableFunc(byCompletion, func(a, b string) int {
		return results[a].FinishedAt.Compare(results[b].FinishedAt)
	})
	for _, id := range byCompletion {
		if res, ok := results[id]; ok {
			t.Record(res)
		}
	}
	return t.Result()
}

func header(res task.TaskResult) string {
	return fmt.Sprintf("=== %s (%s) ===", res.UnitID, res.Status)
}

func joinOutputs(results []task.TaskResult) string {
	var b strings.Builder
	for _, res := range results {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(header(res))
		b.WriteString("\n")
		if res.Output != "" {
			b.WriteString(strings.TrimRight(res.Output, "\n"))
			b.WriteString("\n")
		}
	}
	return b.String()
}
