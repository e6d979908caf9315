package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/swarm/internal/aggregate"
	"github.com/Iron-Ham/swarm/internal/config"
	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/event"
	"github.com/Iron-Ham/swarm/internal/ipc"
	"github.com/Iron-Ham/swarm/internal/mode"
	"github.com/Iron-Ham/swarm/internal/pool"
	"github.com/Iron-Ham/swarm/internal/store"
	"github.com/Iron-Ham/swarm/internal/task"
	"github.com/Iron-Ham/swarm/internal/testutil"
	"github.com/Iron-Ham/swarm/internal/worker"
	"github.com/Iron-Ham/swarm/internal/workspace"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Pool.MaxWorkers = 3
	cfg.Pool.IdleTimeoutSeconds = 0
	cfg.Pool.AcquireTimeoutSeconds = 5
	cfg.Pool.GracePeriodSeconds = 1
	cfg.Pool.HealthIntervalSeconds = 0
	cfg.IPC.RequestTimeoutSeconds = 10
	cfg.Scheduler.ConcurrencyLimit = 3
	cfg.Scheduler.MaxRetries = 0
	cfg.Watch.Enabled = false
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, exec worker.Executor, opts ...Option) *Orchestrator {
	t.Helper()
	orch, err := New(cfg, &pool.InProcessSpawner{Executor: exec}, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return orch
}

func wait(t *testing.T, h *BatchHandle) *aggregate.SynthesizedResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return res
}

// eventLog records every event published on a bus.
type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func record(bus *event.Bus) *eventLog {
	l := &eventLog{}
	bus.SubscribeAll(func(e event.Event) {
		l.mu.Lock()
		l.events = append(l.events, e)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.EventType()
	}
	return out
}

func (l *eventLog) first(eventType string) (event.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.EventType() == eventType {
			return e, true
		}
	}
	return nil, false
}

func TestSubmit_DependenciesAndAudit(t *testing.T) {
	st := store.New(t.TempDir())
	bus := event.NewBus()
	events := record(bus)
	orch := newTestOrchestrator(t, testConfig(), testutil.Succeed("out:", 10*time.Millisecond), WithStore(st), WithBus(bus))

	h, err := orch.Submit(context.Background(), task.Batch{
		ID: "deps",
		Units: []task.WorkUnit{
			{ID: "t1", Instruction: "a"},
			{ID: "t2", Instruction: "b"},
			{ID: "t3", Instruction: "c", Dependencies: []string{"t1", "t2"}},
		},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if h.ID() != "deps" {
		t.Errorf("ID() = %q", h.ID())
	}
	res := wait(t, h)
	if !res.Success || res.Completed != 3 {
		t.Fatalf("result = %+v, want 3 completed successfully", res)
	}
	if !strings.Contains(res.Output, "out:t3") {
		t.Errorf("output %q missing t3", res.Output)
	}

	sr := h.Result()
	t3, _ := sr.Result("t3")
	for _, dep := range []string{"t1", "t2"} {
		r, _ := sr.Result(dep)
		if r.FinishedAt.After(t3.StartedAt) {
			t.Errorf("%s finished after t3 started", dep)
		}
	}

	if _, ok := orch.Batch("deps"); ok {
		t.Error("finished batch should no longer be active")
	}

	types := events.types()
	if len(types) == 0 || types[len(types)-1] != event.TypeBatchCompleted {
		t.Errorf("last event = %v, want batch.completed", types)
	}

	snap, err := st.Load("deps")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !snap.Done || !snap.Success {
		t.Errorf("snapshot Done=%v Success=%v, want both true", snap.Done, snap.Success)
	}
	if got := snap.Counts()[task.StatusCompleted]; got != 3 {
		t.Errorf("snapshot completed = %d, want 3", got)
	}

	recs, err := st.ReadAudit("deps")
	if err != nil {
		t.Fatalf("ReadAudit() error = %v", err)
	}
	if len(recs) < 2 {
		t.Fatalf("audit has %d records", len(recs))
	}
	if recs[0].Type != event.TypeBatchSubmitted {
		t.Errorf("first audit record = %s, want batch.submitted", recs[0].Type)
	}
	if recs[len(recs)-1].Type != event.TypeBatchCompleted {
		t.Errorf("last audit record = %s, want batch.completed", recs[len(recs)-1].Type)
	}
	for _, rec := range recs {
		if strings.HasPrefix(rec.Type, "worker.") {
			t.Errorf("audit contains unscoped event %s", rec.Type)
		}
	}
}

func TestSubmit_ConcurrentBatchesKeepSeparateAuditLogs(t *testing.T) {
	st := store.New(t.TempDir())
	bus := event.NewBus()
	orch := newTestOrchestrator(t, testConfig(), testutil.Succeed("out:", 20*time.Millisecond), WithStore(st), WithBus(bus))

	ids := []string{"left", "right"}
	handles := make([]*BatchHandle, len(ids))
	for i, id := range ids {
		h, err := orch.Submit(context.Background(), task.Batch{
			ID: id,
			Units: []task.WorkUnit{
				{ID: id + "-a", Instruction: "a"},
				{ID: id + "-b", Instruction: "b", Dependencies: []string{id + "-a"}},
			},
		})
		if err != nil {
			t.Fatalf("Submit(%s) error = %v", id, err)
		}
		handles[i] = h
	}
	for _, h := range handles {
		if res := wait(t, h); !res.Success {
			t.Fatalf("batch %s failed: %+v", h.ID(), res)
		}
	}

	for _, id := range ids {
		recs, err := st.ReadAudit(id)
		if err != nil {
			t.Fatalf("ReadAudit(%s) error = %v", id, err)
		}
		units := 0
		for _, rec := range recs {
			var scoped struct {
				BatchID string `json:"batch_id"`
			}
			if err := json.Unmarshal(rec.Event, &scoped); err != nil {
				t.Fatalf("decoding %s record: %v", rec.Type, err)
			}
			if scoped.BatchID != id {
				t.Errorf("audit of %s holds %s event of batch %q", id, rec.Type, scoped.BatchID)
			}
			if rec.Type == event.TypeUnitCompleted {
				units++
			}
		}
		if units != 2 {
			t.Errorf("audit of %s has %d unit.completed records, want 2", id, units)
		}
		if n := bus.Subscribers(id); n != 0 {
			t.Errorf("%d subscriptions left for finished batch %s", n, id)
		}
	}
}

func TestSubmit_GeneratesBatchID(t *testing.T) {
	orch := newTestOrchestrator(t, testConfig(), testutil.Succeed("", 10*time.Millisecond))
	h, err := orch.Submit(context.Background(), task.Batch{Units: []task.WorkUnit{{ID: "a", Instruction: "x"}}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if h.ID() == "" {
		t.Fatal("batch id should be generated")
	}
	if err := task.ValidateID("batch", h.ID()); err != nil {
		t.Errorf("generated id %q is not a valid batch id: %v", h.ID(), err)
	}
	wait(t, h)
}

func TestSubmit_StructuralErrors(t *testing.T) {
	tests := []struct {
		name  string
		batch task.Batch
		want  error
	}{
		{
			name: "cycle",
			batch: task.Batch{ID: "b", Units: []task.WorkUnit{
				{ID: "a", Dependencies: []string{"b"}},
				{ID: "b", Dependencies: []string{"a"}},
			}},
			want: errors.ErrCircularDependency,
		},
		{
			name:  "unknown dependency",
			batch: task.Batch{ID: "b", Units: []task.WorkUnit{{ID: "a", Dependencies: []string{"ghost"}}}},
			want:  errors.ErrUnknownDependency,
		},
		{
			name:  "duplicate",
			batch: task.Batch{ID: "b", Units: []task.WorkUnit{{ID: "a"}, {ID: "a"}}},
			want:  errors.ErrDuplicateUnit,
		},
		{
			name:  "no units",
			batch: task.Batch{ID: "b"},
			want:  errors.ErrInvalidInput,
		},
		{
			name:  "unsafe batch id",
			batch: task.Batch{ID: "../b", Units: []task.WorkUnit{{ID: "a"}}},
			want:  errors.ErrInvalidInput,
		},
		{
			name:  "unknown strategy",
			batch: task.Batch{ID: "b", Strategy: "fastest", Units: []task.WorkUnit{{ID: "a"}}},
			want:  errors.ErrInvalidInput,
		},
	}

	var executed atomic.Int32
	exec := worker.ExecutorFunc(func(context.Context, ipc.ExecuteRequest, worker.Reporter) (ipc.ExecuteResponse, error) {
		executed.Add(1)
		return ipc.ExecuteResponse{Status: task.OutcomeSuccess}, nil
	})
	st := store.New(t.TempDir())
	orch := newTestOrchestrator(t, testConfig(), exec, WithStore(st))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := orch.Submit(context.Background(), tt.batch)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Submit() error = %v, want %v", err, tt.want)
			}
			if _, ok := orch.Batch(tt.batch.ID); ok {
				t.Error("rejected batch should not be active")
			}
		})
	}
	if n := executed.Load(); n != 0 {
		t.Errorf("%d units executed for rejected batches", n)
	}
	if _, err := st.Load("b"); !errors.Is(err, errors.ErrBatchNotFound) {
		t.Errorf("rejected batch left a snapshot: %v", err)
	}
}

func TestSubmit_RejectPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.ConflictPolicy = config.ConflictPolicyReject
	orch := newTestOrchestrator(t, cfg, testutil.Succeed("", 10*time.Millisecond))

	_, err := orch.Submit(context.Background(), task.Batch{ID: "conf", Units: []task.WorkUnit{
		{ID: "u1", Instruction: "x", Operations: []task.Operation{{Kind: task.OpWrite, Path: "src/file.ts"}}},
		{ID: "u2", Instruction: "y", Operations: []task.Operation{{Kind: task.OpWrite, Path: "src/file.ts"}}},
	}})
	var ce *errors.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("Submit() error = %v, want ConflictError", err)
	}
	if len(ce.Conflicts) != 1 || ce.Conflicts[0].Type != "write-write" {
		t.Errorf("conflicts = %+v", ce.Conflicts)
	}
}

func TestSubmit_RaceAbortsLosers(t *testing.T) {
	exec := worker.ExecutorFunc(func(ctx context.Context, req ipc.ExecuteRequest, _ worker.Reporter) (ipc.ExecuteResponse, error) {
		if req.UnitID == "u2" {
			time.Sleep(20 * time.Millisecond)
			return ipc.ExecuteResponse{Status: task.OutcomeSuccess, Output: "fastest"}, nil
		}
		<-ctx.Done()
		return ipc.ExecuteResponse{Status: task.OutcomeAborted}, nil
	})
	bus := event.NewBus()
	events := record(bus)
	orch := newTestOrchestrator(t, testConfig(), exec, WithBus(bus))

	h, err := orch.Submit(context.Background(), task.Batch{
		ID:       "race",
		Strategy: task.StrategyRace,
		Units: []task.WorkUnit{
			{ID: "u1", Instruction: "approach one"},
			{ID: "u2", Instruction: "approach two"},
			{ID: "u3", Instruction: "approach three"},
		},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	res := wait(t, h)
	if !res.Success || res.Winner != "u2" || res.Output != "fastest" {
		t.Fatalf("result = %+v, want u2 winning with its output", res)
	}
	if res.Completed != 1 || res.Aborted != 2 {
		t.Errorf("completed=%d aborted=%d, want 1 and 2", res.Completed, res.Aborted)
	}
	for _, id := range []string{"u1", "u3"} {
		if status, _ := h.Status(id); status != task.StatusAborted {
			t.Errorf("%s status = %s, want aborted", id, status)
		}
	}

	ev, ok := events.first(event.TypeBatchCompleted)
	if !ok {
		t.Fatal("batch.completed not published")
	}
	done := ev.(event.BatchCompletedEvent)
	if done.Result == nil || done.Result.Winner != "u2" || !done.Result.Success {
		t.Fatalf("batch.completed = %+v", done)
	}
	if done.Result.Output != res.Output || done.Result.Metrics.Duration != res.Metrics.Duration {
		t.Errorf("batch.completed result differs from Wait: %+v", done.Result)
	}
}

func TestSubmit_RaceBoundedByCancelGrace(t *testing.T) {
	// Losers ignore cancellation and would run for seconds.
	exec := worker.ExecutorFunc(func(ctx context.Context, req ipc.ExecuteRequest, _ worker.Reporter) (ipc.ExecuteResponse, error) {
		if req.UnitID == "quick" {
			return ipc.ExecuteResponse{Status: task.OutcomeSuccess, Output: "won"}, nil
		}
		time.Sleep(3 * time.Second)
		return ipc.ExecuteResponse{Status: task.OutcomeSuccess}, nil
	})
	cfg := testConfig()
	cfg.Scheduler.CancelGraceMs = 100
	orch := newTestOrchestrator(t, cfg, exec)

	start := time.Now()
	h, err := orch.Submit(context.Background(), task.Batch{
		ID:       "grace",
		Strategy: task.StrategyRace,
		Units: []task.WorkUnit{
			{ID: "stuck", Instruction: "ignore cancel"},
			{ID: "quick", Instruction: "win"},
		},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	res := wait(t, h)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Wait returned after %v, want it bounded by the cancel grace", elapsed)
	}
	if res.Winner != "quick" || res.Aborted != 1 {
		t.Errorf("result = %+v, want quick winning and stuck aborted", res)
	}
}

func TestSubmit_SequentialKeepsDeclaredOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var running, peak int
	exec := worker.ExecutorFunc(func(_ context.Context, req ipc.ExecuteRequest, _ worker.Reporter) (ipc.ExecuteResponse, error) {
		mu.Lock()
		order = append(order, req.UnitID)
		running++
		peak = max(peak, running)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return ipc.ExecuteResponse{Status: task.OutcomeSuccess}, nil
	})
	orch := newTestOrchestrator(t, testConfig(), exec)

	h, err := orch.Submit(context.Background(), task.Batch{
		ID:       "seq",
		Strategy: task.StrategySequential,
		Units: []task.WorkUnit{
			{ID: "c", Instruction: "x", Priority: 9},
			{ID: "a", Instruction: "x", Priority: 1},
			{ID: "b", Instruction: "x", Priority: 5},
		},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	wait(t, h)

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(order, ",") != "c,a,b" {
		t.Errorf("execution order = %v, want [c a b]", order)
	}
	if peak != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak)
	}
}

func TestResume_RerunsOnlyUnfinishedUnits(t *testing.T) {
	st := store.New(t.TempDir())
	var runs sync.Map
	var failT2 atomic.Bool
	failT2.Store(true)
	exec := worker.ExecutorFunc(func(_ context.Context, req ipc.ExecuteRequest, _ worker.Reporter) (ipc.ExecuteResponse, error) {
		n, _ := runs.LoadOrStore(req.UnitID, new(atomic.Int32))
		n.(*atomic.Int32).Add(1)
		if req.UnitID == "t2" && failT2.Load() {
			return ipc.ExecuteResponse{Status: task.OutcomeFailure, Error: "flaky"}, nil
		}
		return ipc.ExecuteResponse{Status: task.OutcomeSuccess, Output: "out:" + req.UnitID}, nil
	})
	count := func(id string) int32 {
		n, ok := runs.Load(id)
		if !ok {
			return 0
		}
		return n.(*atomic.Int32).Load()
	}

	batch := task.Batch{ID: "resumable", Units: []task.WorkUnit{
		{ID: "t1", Instruction: "a"},
		{ID: "t2", Instruction: "b", Dependencies: []string{"t1"}},
		{ID: "t3", Instruction: "c", Dependencies: []string{"t2"}},
	}}

	first, err := New(testConfig(), &pool.InProcessSpawner{Executor: exec}, WithStore(st))
	if err != nil {
		t.Fatal(err)
	}
	h, err := first.Submit(context.Background(), batch)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res := wait(t, h); res.Success || res.Completed != 1 || res.Failed != 1 || res.Aborted != 1 {
		t.Fatalf("first run = %+v, want 1 completed, 1 failed, 1 aborted", res)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := first.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	failT2.Store(false)
	second := newTestOrchestrator(t, testConfig(), exec, WithStore(st))
	h, err = second.Resume(context.Background(), "resumable")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	res := wait(t, h)
	if !res.Success || res.Completed != 3 {
		t.Fatalf("resumed run = %+v, want 3 completed", res)
	}
	if n := count("t1"); n != 1 {
		t.Errorf("t1 ran %d times, want 1", n)
	}
	if n := count("t2"); n != 2 {
		t.Errorf("t2 ran %d times, want 2", n)
	}
	if status, ok := h.Status("t1"); !ok || status != task.StatusCompleted {
		t.Errorf("carried-over t1 status = %s, %v", status, ok)
	}
	if r, _ := h.Result().Result("t1"); r.Output != "out:t1" {
		t.Errorf("carried-over t1 output = %q", r.Output)
	}

	snap, err := st.Load("resumable")
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Done || !snap.Success {
		t.Errorf("snapshot after resume Done=%v Success=%v", snap.Done, snap.Success)
	}

	if _, err := second.Resume(context.Background(), "missing"); !errors.Is(err, errors.ErrBatchNotFound) {
		t.Errorf("Resume(missing) error = %v, want ErrBatchNotFound", err)
	}
}

func TestResume_RequiresStore(t *testing.T) {
	orch := newTestOrchestrator(t, testConfig(), testutil.Succeed("", 10*time.Millisecond))
	if _, err := orch.Resume(context.Background(), "any"); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Resume() without store error = %v, want ErrInvalidInput", err)
	}
}

func TestShutdown_AbortsActiveBatches(t *testing.T) {
	started := make(chan struct{}, 1)
	exec := worker.ExecutorFunc(func(ctx context.Context, _ ipc.ExecuteRequest, _ worker.Reporter) (ipc.ExecuteResponse, error) {
		started <- struct{}{}
		<-ctx.Done()
		return ipc.ExecuteResponse{Status: task.OutcomeAborted}, nil
	})
	orch := newTestOrchestrator(t, testConfig(), exec)

	h, err := orch.Submit(context.Background(), task.Batch{ID: "long", Units: []task.WorkUnit{
		{ID: "slow", Instruction: "x"},
		{ID: "after", Instruction: "y", Dependencies: []string{"slow"}},
	}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("unit never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := orch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("batch should be done after Shutdown returns")
	}
	res := h.Result()
	if res.Success || res.Aborted != 2 {
		t.Errorf("result = %+v, want both units aborted", res)
	}

	_, err = orch.Submit(context.Background(), task.Batch{Units: []task.WorkUnit{{ID: "a", Instruction: "x"}}})
	if !errors.Is(err, errors.ErrPoolShuttingDown) {
		t.Errorf("Submit() after Shutdown error = %v, want ErrPoolShuttingDown", err)
	}
}

func TestBatchHandle_Cancel(t *testing.T) {
	exec := worker.ExecutorFunc(func(ctx context.Context, _ ipc.ExecuteRequest, _ worker.Reporter) (ipc.ExecuteResponse, error) {
		<-ctx.Done()
		return ipc.ExecuteResponse{Status: task.OutcomeAborted}, nil
	})
	orch := newTestOrchestrator(t, testConfig(), exec)
	h, err := orch.Submit(context.Background(), task.Batch{ID: "c", Units: []task.WorkUnit{{ID: "a", Instruction: "x"}}})
	if err != nil {
		t.Fatal(err)
	}
	h.Cancel()
	if res := wait(t, h); res.Aborted != 1 {
		t.Errorf("result = %+v, want 1 aborted", res)
	}
}

func TestSwitchMode_IsIndependentOfWorkers(t *testing.T) {
	var seen atomic.Value
	exec := worker.ExecutorFunc(func(_ context.Context, req ipc.ExecuteRequest, _ worker.Reporter) (ipc.ExecuteResponse, error) {
		seen.Store(req.Mode)
		return ipc.ExecuteResponse{Status: task.OutcomeSuccess}, nil
	})
	bus := event.NewBus()
	events := record(bus)
	orch := newTestOrchestrator(t, testConfig(), exec, WithBus(bus))

	if err := orch.SwitchMode(mode.Plan); err != nil {
		t.Fatalf("SwitchMode() error = %v", err)
	}
	if orch.Mode().Current() != mode.Plan {
		t.Errorf("Mode().Current() = %s, want plan", orch.Mode().Current())
	}
	if _, ok := events.first(event.TypeModeChanged); !ok {
		t.Error("mode.changed not published")
	}
	if err := orch.SwitchMode(mode.Mode("nonsense")); !errors.Is(err, mode.ErrUnknownMode) {
		t.Errorf("SwitchMode(nonsense) error = %v, want ErrUnknownMode", err)
	}

	h, err := orch.Submit(context.Background(), task.Batch{Units: []task.WorkUnit{{ID: "a", Instruction: "x"}}})
	if err != nil {
		t.Fatal(err)
	}
	wait(t, h)
	if got := seen.Load(); got != string(mode.Default) {
		t.Errorf("worker mode = %v, want default", got)
	}
	if orch.Mode().Current() != mode.Plan {
		t.Error("running a unit changed the orchestrator's mode")
	}
}

func TestWorkspace_ObservedWritesConflict(t *testing.T) {
	root := t.TempDir()
	layout := workspace.New(filepath.Join(root, "ws"))

	cfg := testConfig()
	cfg.Watch.Enabled = true
	cfg.Watch.DebounceMs = 10

	release := make(chan struct{})
	var dirs sync.Map
	exec := worker.ExecutorFunc(func(_ context.Context, req ipc.ExecuteRequest, _ worker.Reporter) (ipc.ExecuteResponse, error) {
		dirs.Store(req.UnitID, req.WorkDir)
		if err := os.WriteFile(filepath.Join(req.WorkDir, "shared.txt"), []byte(req.UnitID), 0644); err != nil {
			return ipc.ExecuteResponse{Status: task.OutcomeFailure, Error: err.Error()}, nil
		}
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
		return ipc.ExecuteResponse{Status: task.OutcomeSuccess}, nil
	})

	bus := event.NewBus()
	observed := make(chan event.ConflictObservedEvent, 4)
	bus.Subscribe(event.TypeConflictObserved, func(e event.Event) {
		select {
		case observed <- e.(event.ConflictObservedEvent):
		default:
		}
	})
	orch := newTestOrchestrator(t, cfg, exec, WithBus(bus), WithWorkspace(layout), WithProjectRoot(root))

	h, err := orch.Submit(context.Background(), task.Batch{ID: "ws", Units: []task.WorkUnit{
		{ID: "u1", Instruction: "x"},
		{ID: "u2", Instruction: "y"},
	}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case ev := <-observed:
		if ev.BatchID != "ws" || !strings.HasSuffix(ev.Path, "shared.txt") {
			t.Errorf("conflict.observed = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Error("no conflict.observed event for writes to the same relative path")
	}
	close(release)
	wait(t, h)

	for _, id := range []string{"u1", "u2"} {
		dir, _ := dirs.Load(id)
		if want := filepath.Join(root, "ws", "ws", id); dir != want {
			t.Errorf("%s ran in %v, want %s", id, dir, want)
		}
	}
}
