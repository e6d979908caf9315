package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Iron-Ham/swarm/internal/aggregate"
	"github.com/Iron-Ham/swarm/internal/config"
	"github.com/Iron-Ham/swarm/internal/conflict"
	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/event"
	"github.com/Iron-Ham/swarm/internal/graph"
	"github.com/Iron-Ham/swarm/internal/ipc"
	"github.com/Iron-Ham/swarm/internal/logging"
	"github.com/Iron-Ham/swarm/internal/mode"
	"github.com/Iron-Ham/swarm/internal/pool"
	"github.com/Iron-Ham/swarm/internal/scheduler"
	"github.com/Iron-Ham/swarm/internal/store"
	"github.com/Iron-Ham/swarm/internal/task"
	"github.com/Iron-Ham/swarm/internal/workspace"
)

// Orchestrator runs batches on a shared worker pool.
type Orchestrator struct {
	cfg      *config.Config
	policy   scheduler.ConflictPolicy
	pool     *pool.Manager
	sched    *scheduler.Scheduler
	analyzer *conflict.Analyzer
	arena    *mode.Arena
	modeCtx  *mode.Context
	bus      *event.Bus
	logger   *logging.Logger
	store    *store.Store
	layout   *workspace.Layout
	watcher  *conflict.Watcher

	mu      sync.Mutex
	batches map[string]*BatchHandle
	closed  bool
}

// New creates an Orchestrator whose pool starts workers with spawner.
func New(cfg *config.Config, spawner pool.Spawner, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	policy, err := scheduler.ParseConflictPolicy(cfg.Scheduler.ConflictPolicy)
	if err != nil {
		return nil, err
	}

	o := &options{logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(o)
	}
	if o.bus == nil {
		o.bus = event.NewBus(event.WithLogger(o.logger))
	}

	arena := mode.NewArena(nil)
	modeCtx, err := arena.Create(ModeOwner, mode.Default)
	if err != nil {
		return nil, err
	}

	analyzerOpts := []conflict.Option{conflict.WithCaseInsensitive(cfg.Scheduler.CaseInsensitivePaths)}
	if o.root != "" {
		analyzerOpts = append(analyzerOpts, conflict.WithRoot(o.root))
	}
	analyzer := conflict.NewAnalyzer(analyzerOpts...)

	orch := &Orchestrator{
		cfg:      cfg,
		policy:   policy,
		analyzer: analyzer,
		arena:    arena,
		modeCtx:  modeCtx,
		bus:      o.bus,
		logger:   o.logger,
		store:    o.store,
		layout:   o.workspace,
		batches:  make(map[string]*BatchHandle),
	}

	if cfg.Watch.Enabled && o.workspace != nil {
		w, err := conflict.NewWatcher(
			conflict.WithDebounce(cfg.Watch.Debounce()),
			conflict.WithIgnorePaths(cfg.Watch.IgnorePaths),
			conflict.WithWatcherLogger(o.logger.WithPhase("watch")),
		)
		if err != nil {
			return nil, fmt.Errorf("create workspace watcher: %w", err)
		}
		w.OnObserved(orch.observed)
		w.Start()
		orch.watcher = w
	}

	orch.pool = pool.NewManager(pool.ConfigFrom(cfg.Pool), spawner,
		pool.WithLogger(o.logger),
		pool.WithBus(o.bus),
		pool.WithArena(arena),
		pool.WithReconnect(cfg.IPC.ReconnectAttempts),
		pool.WithChannelOptions(
			ipc.WithLogger(o.logger.WithPhase("ipc")),
			ipc.WithBackoff(cfg.IPC.BackoffInitial(), cfg.IPC.BackoffMax()),
		),
	)
	orch.sched = scheduler.New(orch.pool,
		scheduler.WithAnalyzer(analyzer),
		scheduler.WithBus(o.bus),
		scheduler.WithLogger(o.logger),
	)
	return orch, nil
}

// Bus returns the bus status events are published on.
func (o *Orchestrator) Bus() *event.Bus { return o.bus }

// Pool returns the worker pool.
func (o *Orchestrator) Pool() *pool.Manager { return o.pool }

// Analyzer returns the conflict analyzer shared by every batch.
func (o *Orchestrator) Analyzer() *conflict.Analyzer { return o.analyzer }

// Mode returns the orchestrator's own mode context. It is independent of
// every worker's context.
func (o *Orchestrator) Mode() *mode.Context { return o.modeCtx }

// SwitchMode changes the orchestrator's mode.
func (o *Orchestrator) SwitchMode(m mode.Mode) error {
	prev, err := o.modeCtx.Switch(m)
	if err != nil {
		return err
	}
	if prev != m {
		o.bus.Publish(event.NewModeChangedEvent(ModeOwner, string(prev), string(m)))
	}
	return nil
}

// Batch returns the handle of an active batch.
func (o *Orchestrator) Batch(id string) (*BatchHandle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.batches[id]
	return h, ok && h != nil
}

// Submit validates b and starts it. An empty batch id is replaced with a
// generated one. Canceling ctx aborts every unit of the batch.
func (o *Orchestrator) Submit(ctx context.Context, b task.Batch) (*BatchHandle, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if err := task.ValidateID("batch", b.ID); err != nil {
		return nil, errors.NewValidationError(err.Error()).WithField("id")
	}
	strategy, err := task.ParseStrategy(string(b.Strategy))
	if err != nil {
		return nil, errors.NewValidationError(err.Error()).WithField("strategy")
	}
	b.Strategy = strategy
	if len(b.Units) == 0 {
		return nil, errors.NewValidationError("batch has no units").WithField("units")
	}

	units := make([]task.WorkUnit, len(b.Units))
	for i, u := range b.Units {
		units[i] = u.Clone()
	}
	b.Units = units

	var snap *store.Snapshot
	if o.store != nil {
		snap = store.NewSnapshot(b)
	}
	return o.start(ctx, launch{batch: b, units: b.Units, snapshot: snap})
}

// Resume restarts a persisted batch. Units that completed are not run
// again: their results are carried over and they count as satisfied
// dependencies for the units that are resubmitted.
func (o *Orchestrator) Resume(ctx context.Context, batchID string) (*BatchHandle, error) {
	if o.store == nil {
		return nil, errors.NewValidationError("resume requires a state store")
	}
	snap, err := o.store.Load(batchID)
	if err != nil {
		return nil, err
	}

	plan := planResume(snap, o.cfg.Scheduler.RunAfterFailure)
	snap.Results = append(snap.Completed(), plan.skipped...)
	for _, u := range plan.units {
		snap.Statuses[u.ID] = task.StatusPending
	}
	for _, res := range plan.skipped {
		snap.Statuses[res.UnitID] = res.Status.Status()
	}
	snap.Done = false
	snap.Success = false

	o.logger.Info("resuming batch",
		"batch_id", batchID,
		"resubmitted", len(plan.units),
		"carried_over", len(snap.Results),
	)
	return o.start(ctx, launch{
		batch:     snap.Batch(),
		units:     plan.units,
		satisfied: plan.satisfied,
		prior:     slices.Clone(snap.Results),
		snapshot:  snap,
	})
}

// launch is everything start needs to run a batch, fresh or resumed.
type launch struct {
	batch     task.Batch
	units     []task.WorkUnit
	satisfied []string
	prior     []task.TaskResult
	snapshot  *store.Snapshot
}

func (o *Orchestrator) start(ctx context.Context, l launch) (*BatchHandle, error) {
	b := l.batch

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: orchestrator is shut down", errors.ErrPoolShuttingDown)
	}
	if _, exists := o.batches[b.ID]; exists {
		o.mu.Unlock()
		return nil, errors.NewValidationError("batch " + b.ID + " is already running").WithField("id")
	}
	// Reserve the id while the batch is validated.
	o.batches[b.ID] = nil
	o.mu.Unlock()

	h, err := o.launch(ctx, l)

	o.mu.Lock()
	if err != nil {
		delete(o.batches, b.ID)
	} else {
		o.batches[b.ID] = h
	}
	o.mu.Unlock()
	return h, err
}

func (o *Orchestrator) launch(ctx context.Context, l launch) (*BatchHandle, error) {
	b := l.batch
	log := o.logger.WithBatch(b.ID)

	h := &BatchHandle{
		id:       b.ID,
		batch:    b,
		done:     make(chan struct{}),
		snapshot: l.snapshot,
		store:    o.store,
		logger:   log,
	}
	h.tracker = aggregate.NewTracker(b.ID, b.Units, b.Strategy,
		aggregate.Options{TolerateFailure: b.TolerateFailure || o.cfg.Aggregate.TolerateFailure},
		h,
	)

	opts := scheduler.Options{
		BatchID:          b.ID,
		ConcurrencyLimit: b.ConcurrencyLimit,
		MaxRetries:       o.cfg.Scheduler.MaxRetries,
		ConflictPolicy:   o.policy,
		RunAfterFailure:  o.cfg.Scheduler.RunAfterFailure,
		RequestTimeout:   o.cfg.IPC.RequestTimeout(),
		CancelGrace:      o.cfg.Scheduler.CancelGrace(),
		DefaultClass:     o.cfg.Worker.DefaultClass,
		Satisfied:        l.satisfied,
		Hooks:            o.hooks(h),
	}
	opts.Hooks.Accepted = func(*graph.Graph) {
		o.bus.Publish(event.NewBatchSubmittedEvent(b.ID, b.Strategy, b.UnitIDs()))
	}
	if opts.ConcurrencyLimit <= 0 {
		opts.ConcurrencyLimit = o.cfg.Scheduler.ConcurrencyLimit
	}
	if b.Strategy == task.StrategySequential {
		opts.ConcurrencyLimit = 1
		opts.DeclaredOrder = true
	}

	// Events published while the batch is validated are buffered until the
	// audit log exists.
	rec := newRecorder(o.bus, b.ID, log)

	runCtx, cancel := context.WithCancel(ctx)
	run, err := o.sched.Schedule(runCtx, l.units, opts)
	if err != nil {
		cancel()
		_ = rec.close()
		log.Warn("batch rejected", "error", err)
		return nil, err
	}
	h.run = run
	h.cancel = cancel

	if o.store != nil {
		audit, err := o.store.OpenAudit(b.ID)
		if err != nil {
			log.Warn("audit log unavailable", "error", err)
		} else {
			rec.attach(audit)
		}
	}

	for _, res := range l.prior {
		h.tracker.Record(res)
	}
	h.save()

	log.Info("batch submitted", "strategy", b.Strategy, "units", len(l.units))

	go func() {
		h.collect()
		o.finished(h, rec)
	}()
	return h, nil
}

// finished runs after a batch's last result was collected.
func (o *Orchestrator) finished(h *BatchHandle, rec *recorder) {
	res := h.Result()
	o.bus.Publish(event.NewBatchCompletedEvent(res))
	if err := rec.close(); err != nil {
		h.logger.Warn("closing audit log", "error", err)
	}
	h.logger.Info("batch completed",
		"success", res.Success,
		"completed", res.Completed,
		"failed", res.Failed,
		"aborted", res.Aborted,
	)

	o.mu.Lock()
	if o.batches[h.id] == h {
		delete(o.batches, h.id)
	}
	o.mu.Unlock()
	h.cancel()
	close(h.done)
}

// hooks connects a batch's attempts to its snapshot, the workspace layout
// and the watcher.
func (o *Orchestrator) hooks(h *BatchHandle) scheduler.Hooks {
	hooks := scheduler.Hooks{
		Started: func(unitID, dir string) {
			h.markRunning(unitID)
			if o.watcher == nil || dir == "" {
				return
			}
			if err := o.watcher.AddUnit(watchKey(h.id, unitID), dir); err != nil {
				h.logger.Warn("cannot watch workspace", "unit_id", unitID, "error", err)
			}
		},
	}
	if o.layout != nil {
		hooks.WorkDir = func(unitID string) (string, error) {
			return o.layout.Prepare(h.id, unitID)
		}
	}
	if o.watcher != nil {
		hooks.Finished = func(unitID string) {
			o.watcher.RemoveUnit(watchKey(h.id, unitID))
		}
	}
	return hooks
}

func watchKey(batchID, unitID string) string {
	return batchID + "/" + unitID
}

// observed routes a watcher observation to the run it belongs to.
func (o *Orchestrator) observed(key string, op task.Operation) {
	batchID, unitID, ok := strings.Cut(key, "/")
	if !ok {
		return
	}
	if h, ok := o.Batch(batchID); ok {
		h.run.Observe(unitID, op)
	}
}

// Shutdown aborts every active batch, waits for them to settle and stops
// the pool. Submissions after Shutdown fail.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	var active []*BatchHandle
	for _, h := range o.batches {
		if h != nil {
			active = append(active, h)
		}
	}
	o.mu.Unlock()

	o.logger.Info("orchestrator shutting down", "active_batches", len(active))
	for _, h := range active {
		h.run.AbortAll("orchestrator shutting down")
	}
	var errs []error
	for _, h := range active {
		select {
		case <-h.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("batch %s: %w", h.id, ctx.Err()))
		}
	}

	if err := o.pool.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if o.watcher != nil {
		o.watcher.Stop()
	}
	o.arena.Remove(ModeOwner)
	return errors.Join(errs...)
}
