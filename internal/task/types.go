// Package task defines the data model shared by the scheduling, pooling and
// aggregation layers: work units, their declared filesystem operations,
// lifecycle statuses and results.
package task

import (
	"fmt"
	"slices"
	"time"
)

// Status represents the scheduling state of a work unit.
type Status string

const (
	// StatusPending indicates the unit is waiting on predecessors.
	StatusPending Status = "pending"
	// StatusReady indicates all predecessors completed and the unit can be dispatched.
	StatusReady Status = "ready"
	// StatusRunning indicates the unit is executing on a worker.
	StatusRunning Status = "running"
	// StatusCompleted indicates the unit finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the unit failed and exhausted its retries.
	StatusFailed Status = "failed"
	// StatusAborted indicates the unit was canceled or a predecessor did not complete.
	StatusAborted Status = "aborted"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Outcome is the result classification reported for a finished unit.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeAborted Outcome = "aborted"
)

// Status maps an outcome onto the terminal scheduling status.
func (o Outcome) Status() Status {
	switch o {
	case OutcomeSuccess:
		return StatusCompleted
	case OutcomeAborted:
		return StatusAborted
	default:
		return StatusFailed
	}
}

// OpKind is the kind of a declared filesystem operation.
type OpKind string

const (
	OpRead   OpKind = "read"
	OpWrite  OpKind = "write"
	OpDelete OpKind = "delete"
)

// Mutates reports whether the operation changes the filesystem.
func (k OpKind) Mutates() bool {
	return k == OpWrite || k == OpDelete
}

// Valid reports whether k is a known operation kind.
func (k OpKind) Valid() bool {
	return k == OpRead || k == OpWrite || k == OpDelete
}

// Operation is a filesystem access a unit declares (or was observed making).
type Operation struct {
	Kind OpKind `json:"kind" yaml:"kind" toml:"kind"`
	Path string `json:"path" yaml:"path" toml:"path"`
}

// Strategy selects how the results of a batch are combined.
type Strategy string

const (
	// StrategyAll waits for every unit; the batch succeeds when all succeed.
	StrategyAll Strategy = "all"
	// StrategyRace resolves each group with its first successful unit and aborts the rest.
	StrategyRace Strategy = "race"
	// StrategySequential runs units in declared order, one at a time per conflict set.
	StrategySequential Strategy = "sequential"
)

// ParseStrategy converts s to a Strategy. An empty string selects StrategyAll.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyAll, nil
	case StrategyAll, StrategyRace, StrategySequential:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown strategy %q (want all, race or sequential)", s)
	}
}

// WorkUnit is one independently executable piece of work.
type WorkUnit struct {
	ID           string      `json:"id"`
	Instruction  string      `json:"instruction"`
	Dependencies []string    `json:"dependencies,omitempty"`
	Operations   []Operation `json:"operations,omitempty"`
	// Priority orders ready units; lower runs first.
	Priority int    `json:"priority,omitempty"`
	GroupID  string `json:"group_id,omitempty"`
	// Class is the worker resource class; empty uses the configured default.
	Class string `json:"class,omitempty"`
	// Mode is the worker mode switched to before execution.
	Mode string `json:"mode,omitempty"`
	// MaxRetries overrides the scheduler default when non-nil.
	MaxRetries *int `json:"max_retries,omitempty"`
}

// Clone returns a deep copy so accepted units cannot be mutated by the caller.
func (u WorkUnit) Clone() WorkUnit {
	c := u
	c.Dependencies = slices.Clone(u.Dependencies)
	c.Operations = slices.Clone(u.Operations)
	if u.MaxRetries != nil {
		n := *u.MaxRetries
		c.MaxRetries = &n
	}
	return c
}

// Metrics are the resource measurements reported for a unit.
type Metrics struct {
	Duration     time.Duration      `json:"duration"`
	InputTokens  int64              `json:"input_tokens,omitempty"`
	OutputTokens int64              `json:"output_tokens,omitempty"`
	Cost         float64            `json:"cost,omitempty"`
	Custom       map[string]float64 `json:"custom,omitempty"`
}

// Add returns the element-wise sum of m and o.
func (m Metrics) Add(o Metrics) Metrics {
	sum := Metrics{
		Duration:     m.Duration + o.Duration,
		InputTokens:  m.InputTokens + o.InputTokens,
		OutputTokens: m.OutputTokens + o.OutputTokens,
		Cost:         m.Cost + o.Cost,
	}
	if len(m.Custom) > 0 || len(o.Custom) > 0 {
		sum.Custom = make(map[string]float64, len(m.Custom)+len(o.Custom))
		for k, v := range m.Custom {
			sum.Custom[k] += v
		}
		for k, v := range o.Custom {
			sum.Custom[k] += v
		}
	}
	return sum
}

// TaskResult is produced exactly once per unit when it reaches a terminal state.
type TaskResult struct {
	UnitID     string    `json:"unit_id"`
	GroupID    string    `json:"group_id,omitempty"`
	Status     Outcome   `json:"status"`
	Output     string    `json:"output,omitempty"`
	Metrics    Metrics   `json:"metrics"`
	Error      string    `json:"error,omitempty"`
	Attempts   int       `json:"attempts"`
	WorkerID   string    `json:"worker_id,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Succeeded reports whether the unit finished successfully.
func (r TaskResult) Succeeded() bool {
	return r.Status == OutcomeSuccess
}

// Batch is a set of units submitted together.
type Batch struct {
	ID    string     `json:"id"`
	Units []WorkUnit `json:"units"`
	// ConcurrencyLimit bounds units running at once; 0 uses the configured default.
	ConcurrencyLimit int      `json:"concurrency_limit,omitempty"`
	Strategy         Strategy `json:"strategy"`
	// TolerateFailure lets an all/sequential batch succeed with partial failures.
	TolerateFailure bool `json:"tolerate_failure,omitempty"`
}

// UnitIDs returns the unit ids in submission order.
func (b Batch) UnitIDs() []string {
	ids := make([]string, len(b.Units))
	for i, u := range b.Units {
		ids[i] = u.ID
	}
	return ids
}
