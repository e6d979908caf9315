package scheduler

import (
	"context"

	"github.com/Iron-Ham/swarm/internal/conflict"
	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/event"
	"github.com/Iron-Ham/swarm/internal/graph"
	"github.com/Iron-Ham/swarm/internal/logging"
	"github.com/Iron-Ham/swarm/internal/pool"
	"github.com/Iron-Ham/swarm/internal/task"
)

// Pool hands out worker instances. *pool.Manager implements it.
type Pool interface {
	Acquire(ctx context.Context, class string) (*pool.Instance, error)
	Release(inst *pool.Instance)
	Discard(inst *pool.Instance, reason string)
}

// Scheduler starts Runs against a pool. It holds no per-batch state and
// may serve many batches at once.
type Scheduler struct {
	pool     Pool
	analyzer *conflict.Analyzer
	bus      *event.Bus
	logger   *logging.Logger
}

// New creates a Scheduler dispatching to p.
func New(p Pool, opts ...Option) *Scheduler {
	s := &Scheduler{
		pool:     p,
		analyzer: conflict.NewAnalyzer(),
		bus:      event.NewBus(),
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithPhase("scheduler")
	return s
}

// Analyzer returns the conflict analyzer in use.
func (s *Scheduler) Analyzer() *conflict.Analyzer {
	return s.analyzer
}

// Schedule validates units and starts executing them. Structural problems
// (duplicate ids, unknown dependencies, cycles, and conflicts under the
// reject policy) are returned before anything is dispatched. Canceling ctx
// aborts every unit that has not finished.
func (s *Scheduler) Schedule(ctx context.Context, units []task.WorkUnit, opts Options) (*Run, error) {
	opts = opts.withDefaults()

	g, err := graph.Build(units, graph.WithSatisfied(opts.Satisfied...))
	if err != nil {
		return nil, err
	}

	prints := make(map[string]*conflict.Footprint, g.Len())
	for _, id := range g.IDs() {
		u, _ := g.Unit(id)
		prints[id] = s.analyzer.Prepare(u)
	}

	conflicts := Preflight(g, prints)
	for _, c := range conflicts {
		s.bus.Publish(event.NewConflictDetectedEvent(opts.BatchID, string(c.Type), c.Path, c.UnitIDs[:]))
	}
	if len(conflicts) > 0 {
		s.logger.Info("conflicting units detected",
			"batch_id", opts.BatchID,
			"conflicts", len(conflicts),
			"policy", opts.ConflictPolicy,
		)
		if opts.ConflictPolicy == PolicyReject {
			details := make([]errors.ConflictDetail, len(conflicts))
			for i, c := range conflicts {
				details[i] = errors.ConflictDetail{Type: string(c.Type), Path: c.Path, Units: c.UnitIDs}
			}
			return nil, errors.NewConflictError(details)
		}
	}

	if opts.Hooks.Accepted != nil {
		opts.Hooks.Accepted(g)
	}
	r := newRun(s, g, prints, opts)
	go r.loop(ctx)
	return r, nil
}

// Preflight returns the conflicts between every pair of units the graph
// leaves free to run concurrently. Pairs ordered by a dependency path can
// never overlap and are skipped.
func Preflight(g *graph.Graph, prints map[string]*conflict.Footprint) []conflict.Conflict {
	ids := g.IDs()
	var out []conflict.Conflict
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if g.Ordered(ids[i], ids[j]) {
				continue
			}
			out = append(out, conflict.Compare(prints[ids[i]], prints[ids[j]])...)
		}
	}
	return out
}
