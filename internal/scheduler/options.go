package scheduler

import (
	"fmt"
	"time"

	"github.com/Iron-Ham/swarm/internal/conflict"
	"github.com/Iron-Ham/swarm/internal/event"
	"github.com/Iron-Ham/swarm/internal/graph"
	"github.com/Iron-Ham/swarm/internal/logging"
)

// ConflictPolicy decides what happens to units whose declared operations
// conflict.
type ConflictPolicy string

const (
	// PolicySerialize never runs conflicting units at the same time.
	PolicySerialize ConflictPolicy = "serialize"
	// PolicyReject fails the batch before dispatch when any two units that
	// the graph does not order conflict.
	PolicyReject ConflictPolicy = "reject"
)

// ParseConflictPolicy parses a policy name. Empty means serialize.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(s) {
	case "":
		return PolicySerialize, nil
	case PolicySerialize, PolicyReject:
		return ConflictPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q (want serialize or reject)", s)
	}
}

// DefaultCancelGrace is how long a canceled unit's worker has to answer.
const DefaultCancelGrace = 5 * time.Second

// Options configure one Schedule call.
type Options struct {
	BatchID string
	// ConcurrencyLimit bounds units running at once. Zero or less is
	// unbounded (the pool still bounds workers).
	ConcurrencyLimit int
	// MaxRetries is the default retry budget for transient failures.
	MaxRetries     int
	ConflictPolicy ConflictPolicy
	// RunAfterFailure dispatches units whose predecessors failed or were
	// aborted instead of aborting them.
	RunAfterFailure bool
	// DeclaredOrder starts ready units strictly in submission order.
	DeclaredOrder bool
	// RequestTimeout bounds each execute request. Zero waits indefinitely.
	RequestTimeout time.Duration
	CancelGrace    time.Duration
	// DefaultClass is used for units that name no worker class.
	DefaultClass string
	// Satisfied are completed dependency ids from outside this batch.
	Satisfied []string
	Hooks     Hooks
}

// Hooks are called from attempt goroutines, except Accepted, which Schedule
// calls itself. They must be safe for concurrent use.
type Hooks struct {
	// Accepted is called once the batch passed validation, before any unit
	// is dispatched.
	Accepted func(g *graph.Graph)
	// WorkDir returns the directory a unit runs in.
	WorkDir func(unitID string) (string, error)
	// Started is called once the unit has a worker and a directory.
	Started func(unitID, workDir string)
	// Finished is called when an attempt ends.
	Finished func(unitID string)
}

func (o Options) withDefaults() Options {
	if o.ConflictPolicy == "" {
		o.ConflictPolicy = PolicySerialize
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = DefaultCancelGrace
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.DefaultClass == "" {
		o.DefaultClass = "default"
	}
	return o
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithAnalyzer sets the conflict analyzer.
func WithAnalyzer(a *conflict.Analyzer) Option {
	return func(s *Scheduler) {
		if a != nil {
			s.analyzer = a
		}
	}
}

// WithBus sets the bus unit and conflict events are published on.
func WithBus(b *event.Bus) Option {
	return func(s *Scheduler) {
		if b != nil {
			s.bus = b
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}
