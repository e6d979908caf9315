package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/event"
	"github.com/Iron-Ham/swarm/internal/ipc"
	"github.com/Iron-Ham/swarm/internal/mode"
	"github.com/Iron-Ham/swarm/internal/task"
	"github.com/Iron-Ham/swarm/internal/worker"
)

// trackingSpawner runs in-process workers and remembers them so tests can
// kill them.
type trackingSpawner struct {
	inner  *InProcessSpawner
	spawns atomic.Int32

	mu    sync.Mutex
	procs map[string]Process
}

func newTrackingSpawner(exec worker.Executor) *trackingSpawner {
	return &trackingSpawner{
		inner: &InProcessSpawner{Executor: exec},
		procs: make(map[string]Process),
	}
}

func (s *trackingSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	p, err := s.inner.Spawn(ctx, spec)
	if err != nil {
		return nil, err
	}
	s.spawns.Add(1)
	s.mu.Lock()
	s.procs[spec.ID] = p
	s.mu.Unlock()
	return p, nil
}

func (s *trackingSpawner) proc(id string) Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[id]
}

func echoExecutor() worker.Executor {
	return worker.ExecutorFunc(func(ctx context.Context, req ipc.ExecuteRequest, _ worker.Reporter) (ipc.ExecuteResponse, error) {
		return ipc.ExecuteResponse{Status: task.OutcomeSuccess, Output: "ran " + req.UnitID}, nil
	})
}

func testConfig() Config {
	return Config{
		MaxWorkers:     2,
		AcquireTimeout: 2 * time.Second,
		GracePeriod:    200 * time.Millisecond,
		HealthTimeout:  time.Second,
	}
}

func newTestManager(t *testing.T, cfg Config, spawner Spawner, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(cfg, spawner, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManager_AcquireExecuteRelease(t *testing.T) {
	sp := newTrackingSpawner(echoExecutor())
	m := newTestManager(t, testConfig(), sp)
	ctx := context.Background()

	inst, err := m.Acquire(ctx, "default")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if inst.State() != StateBusy {
		t.Errorf("State() = %q, want busy", inst.State())
	}
	if inst.Class() != "default" {
		t.Errorf("Class() = %q", inst.Class())
	}

	var resp ipc.ExecuteResponse
	if err := inst.Channel().Request(ctx, ipc.MethodExecute, ipc.ExecuteRequest{UnitID: "u1"}, &resp, time.Second); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Output != "ran u1" {
		t.Errorf("Output = %q", resp.Output)
	}

	m.Release(inst)
	again, err := m.Acquire(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID() != inst.ID() {
		t.Errorf("expected idle instance %s to be reused, got %s", inst.ID(), again.ID())
	}
	if n := sp.spawns.Load(); n != 1 {
		t.Errorf("spawns = %d, want 1", n)
	}
}

func TestManager_BoundedByMaxWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.AcquireTimeout = 100 * time.Millisecond
	sp := newTrackingSpawner(echoExecutor())
	m := newTestManager(t, cfg, sp)
	ctx := context.Background()

	for i := 0; i < cfg.MaxWorkers; i++ {
		if _, err := m.Acquire(ctx, "default"); err != nil {
			t.Fatalf("Acquire #%d: %v", i, err)
		}
	}

	start := time.Now()
	_, err := m.Acquire(ctx, "default")
	if !errors.Is(err, errors.ErrPoolExhausted) {
		t.Fatalf("Acquire() error = %v, want ErrPoolExhausted", err)
	}
	if time.Since(start) < cfg.AcquireTimeout {
		t.Error("Acquire returned before the acquisition timeout")
	}

	s := m.Stats()
	if s.Active != cfg.MaxWorkers || s.Busy != cfg.MaxWorkers || s.Waiting != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestManager_WaitersServedInOrder(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 1
	m := newTestManager(t, cfg, newTrackingSpawner(echoExecutor()))
	ctx := context.Background()

	first, err := m.Acquire(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}

	order := make(chan string, 3)
	got := make(chan *Instance, 3)
	for i, name := range []string{"a", "b", "c"} {
		go func() {
			inst, err := m.Acquire(ctx, "default")
			if err != nil {
				order <- "error:" + err.Error()
				return
			}
			order <- name
			got <- inst
		}()
		waitFor(t, "waiter "+name, func() bool { return m.Stats().Waiting == i+1 })
	}

	m.Release(first)
	for _, want := range []string{"a", "b", "c"} {
		select {
		case name := <-order:
			if name != want {
				t.Fatalf("served %q, want %q", name, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %q was never served", want)
		}
		m.Release(<-got)
	}
}

func TestManager_AcquireContextCanceled(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 1
	m := newTestManager(t, cfg, newTrackingSpawner(echoExecutor()))

	if _, err := m.Acquire(context.Background(), "default"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(ctx, "default"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire() error = %v, want deadline exceeded", err)
	}
	if w := m.Stats().Waiting; w != 0 {
		t.Errorf("Waiting = %d after cancellation, want 0", w)
	}
}

func TestManager_EvictsIdleInstanceOfOtherClass(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 1
	sp := newTrackingSpawner(echoExecutor())
	m := newTestManager(t, cfg, sp)
	ctx := context.Background()

	small, err := m.Acquire(ctx, "small")
	if err != nil {
		t.Fatal(err)
	}
	m.Release(small)

	large, err := m.Acquire(ctx, "large")
	if err != nil {
		t.Fatalf("Acquire(large) error = %v", err)
	}
	if large.Class() != "large" || large.ID() == small.ID() {
		t.Errorf("got %s/%s, want a fresh large instance", large.ID(), large.Class())
	}
	if small.State() != StateTerminated {
		t.Errorf("evicted instance state = %q, want terminated", small.State())
	}
}

func TestManager_CrashFailsPendingAndPublishes(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	// Ignores cancellation so the only way out is the crash.
	exec := worker.ExecutorFunc(func(context.Context, ipc.ExecuteRequest, worker.Reporter) (ipc.ExecuteResponse, error) {
		<-block
		return ipc.ExecuteResponse{Status: task.OutcomeSuccess}, nil
	})
	sp := newTrackingSpawner(exec)
	bus := event.NewBus()
	crashes := make(chan event.WorkerCrashedEvent, 1)
	bus.Subscribe(event.TypeWorkerCrashed, func(e event.Event) {
		crashes <- e.(event.WorkerCrashedEvent)
	})
	m := newTestManager(t, testConfig(), sp, WithBus(bus))

	inst, err := m.Acquire(context.Background(), "default")
	if err != nil {
		t.Fatal(err)
	}
	inst.AssignUnit("u1")

	errc := make(chan error, 1)
	go func() {
		errc <- inst.Channel().Request(context.Background(), ipc.MethodExecute, ipc.ExecuteRequest{UnitID: "u1"}, nil, 0)
	}()
	waitFor(t, "pending execute", func() bool { return inst.Channel().Pending() == 1 })

	// Killing the in-process worker closes its end of the pipe.
	_ = sp.proc(inst.ID()).Kill()

	select {
	case err := <-errc:
		if !errors.Is(err, errors.ErrWorkerCrashed) {
			t.Errorf("pending request error = %v, want ErrWorkerCrashed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending request was not failed")
	}

	select {
	case e := <-crashes:
		if e.WorkerID != inst.ID() || e.UnitID != "u1" {
			t.Errorf("crash event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no worker.crashed event")
	}

	if inst.State() != StateCrashed {
		t.Errorf("State() = %q, want crashed", inst.State())
	}
	if s := m.Stats(); s.Crashed != 1 || s.Active != 0 {
		t.Errorf("Stats() = %+v", s)
	}
	if _, ok := m.Arena().Get(inst.ID()); ok {
		t.Error("crashed instance still has a mode context")
	}
}

func TestManager_IdleTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	bus := event.NewBus()
	terminated := make(chan string, 1)
	bus.Subscribe(event.TypeWorkerTerminated, func(e event.Event) {
		terminated <- e.(event.WorkerTerminatedEvent).WorkerID
	})
	m := newTestManager(t, cfg, newTrackingSpawner(echoExecutor()), WithBus(bus))

	inst, err := m.Acquire(context.Background(), "default")
	if err != nil {
		t.Fatal(err)
	}
	m.Release(inst)

	select {
	case id := <-terminated:
		if id != inst.ID() {
			t.Errorf("terminated %s, want %s", id, inst.ID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle instance was not terminated")
	}
	waitFor(t, "terminated worker to exit", func() bool { return m.Stats().Active == 0 })
}

func TestManager_DiscardHoldsSlotUntilExit(t *testing.T) {
	finish := make(chan struct{})
	// Ignores cancellation until the test lets it finish.
	exec := worker.ExecutorFunc(func(context.Context, ipc.ExecuteRequest, worker.Reporter) (ipc.ExecuteResponse, error) {
		<-finish
		return ipc.ExecuteResponse{Status: task.OutcomeSuccess}, nil
	})
	cfg := testConfig()
	cfg.MaxWorkers = 1
	cfg.GracePeriod = 2 * time.Second
	sp := newTrackingSpawner(exec)
	m := newTestManager(t, cfg, sp)
	ctx := context.Background()

	inst, err := m.Acquire(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		_ = inst.Channel().Request(ctx, ipc.MethodExecute, ipc.ExecuteRequest{UnitID: "u1"}, nil, 0)
	}()
	waitFor(t, "pending execute", func() bool { return inst.Channel().Pending() == 1 })

	m.Discard(inst, "timed out")
	waitFor(t, "discard", func() bool { return inst.State() == StateTerminated })

	next := make(chan *Instance, 1)
	go func() {
		got, err := m.Acquire(ctx, "default")
		if err != nil {
			t.Errorf("Acquire() error = %v", err)
		}
		next <- got
	}()

	time.Sleep(100 * time.Millisecond)
	if s := m.Stats(); s.Stopping != 1 || s.Active != 1 || s.Waiting != 1 {
		t.Errorf("Stats() while discarded worker runs = %+v", s)
	}
	select {
	case got := <-next:
		t.Fatalf("acquired %v while the discarded worker was still running", got)
	default:
	}

	close(finish)
	select {
	case got := <-next:
		if got == nil || got.ID() == inst.ID() {
			t.Errorf("Acquire() = %v, want a fresh instance", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("slot was not freed after the discarded worker exited")
	}
	if n := sp.spawns.Load(); n != 2 {
		t.Errorf("spawns = %d, want 2", n)
	}
}

func TestManager_ReacquireResetsIdleTimer(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 80 * time.Millisecond
	m := newTestManager(t, cfg, newTrackingSpawner(echoExecutor()))
	ctx := context.Background()

	inst, err := m.Acquire(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	m.Release(inst)
	if _, err := m.Acquire(ctx, "default"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(3 * cfg.IdleTimeout)
	if inst.State() != StateBusy {
		t.Errorf("busy instance state = %q after idle timeout elapsed", inst.State())
	}
}

func TestManager_ShutdownWaitsForBusyWithinGrace(t *testing.T) {
	exec := worker.ExecutorFunc(func(ctx context.Context, _ ipc.ExecuteRequest, _ worker.Reporter) (ipc.ExecuteResponse, error) {
		<-ctx.Done()
		return ipc.ExecuteResponse{}, nil
	})
	m := NewManager(testConfig(), newTrackingSpawner(exec))
	ctx := context.Background()

	busy, err := m.Acquire(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	idle, err := m.Acquire(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	m.Release(idle)

	resp := make(chan ipc.ExecuteResponse, 1)
	go func() {
		var r ipc.ExecuteResponse
		_ = busy.Channel().Request(ctx, ipc.MethodExecute, ipc.ExecuteRequest{UnitID: "u1"}, &r, 0)
		resp <- r
	}()
	waitFor(t, "pending execute", func() bool { return busy.Channel().Pending() == 1 })

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	select {
	case r := <-resp:
		if r.Status != task.OutcomeAborted {
			t.Errorf("busy unit status = %q, want aborted", r.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("busy unit never answered")
	}
	if idle.State() != StateTerminated || busy.State() != StateTerminated {
		t.Errorf("states after shutdown: idle=%q busy=%q", idle.State(), busy.State())
	}
	if _, err := m.Acquire(ctx, "default"); !errors.Is(err, errors.ErrPoolShuttingDown) {
		t.Errorf("Acquire() after shutdown error = %v", err)
	}
}

func TestManager_ShutdownRejectsWaiters(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 1
	m := NewManager(cfg, newTrackingSpawner(echoExecutor()))
	ctx := context.Background()

	held, err := m.Acquire(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, "default")
		errc <- err
	}()
	waitFor(t, "waiter", func() bool { return m.Stats().Waiting == 1 })

	done := make(chan error, 1)
	go func() { done <- m.Shutdown(ctx) }()

	select {
	case err := <-errc:
		if !errors.Is(err, errors.ErrPoolShuttingDown) {
			t.Errorf("waiter error = %v, want ErrPoolShuttingDown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not rejected")
	}

	m.Release(held)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown did not complete")
	}
}

func TestManager_RedialKeepsWorkerAndPendingRequest(t *testing.T) {
	started := make(chan struct{}, 1)
	finish := make(chan struct{})
	exec := worker.ExecutorFunc(func(_ context.Context, req ipc.ExecuteRequest, _ worker.Reporter) (ipc.ExecuteResponse, error) {
		started <- struct{}{}
		<-finish
		return ipc.ExecuteResponse{Status: task.OutcomeSuccess, Output: "ran " + req.UnitID}, nil
	})
	sp := newTrackingSpawner(exec)
	m := newTestManager(t, testConfig(), sp,
		WithReconnect(3),
		WithChannelOptions(ipc.WithBackoff(time.Millisecond, 5*time.Millisecond)),
	)
	ctx := context.Background()

	inst, err := m.Acquire(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	result := make(chan error, 1)
	var resp ipc.ExecuteResponse
	go func() {
		result <- inst.Channel().Request(ctx, ipc.MethodExecute, ipc.ExecuteRequest{UnitID: "u1"}, &resp, 3*time.Second)
	}()
	<-started

	// Drop the connection the worker was spawned with.
	_ = sp.proc(inst.ID()).Transport().Close()
	close(finish)

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("execute across reconnect: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending request was not answered after reconnect")
	}
	if resp.Output != "ran u1" {
		t.Errorf("Output = %q", resp.Output)
	}
	if inst.State() != StateBusy {
		t.Errorf("State() = %q, want busy", inst.State())
	}
	if s := m.Stats(); s.Crashed != 0 {
		t.Errorf("Stats() = %+v, want no crash", s)
	}

	var pong ipc.Pong
	if err := inst.Channel().Request(ctx, ipc.MethodPing, nil, &pong, time.Second); err != nil {
		t.Errorf("ping on redialed channel: %v", err)
	}
	if n := sp.spawns.Load(); n != 1 {
		t.Errorf("spawns = %d, want 1", n)
	}
}

func TestManager_KilledRedialableWorkerCrashes(t *testing.T) {
	sp := newTrackingSpawner(echoExecutor())
	m := newTestManager(t, testConfig(), sp, WithReconnect(3))

	inst, err := m.Acquire(context.Background(), "default")
	if err != nil {
		t.Fatal(err)
	}
	_ = sp.proc(inst.ID()).Kill()

	waitFor(t, "crash", func() bool { return m.Stats().Crashed == 1 })
	if inst.State() != StateCrashed {
		t.Errorf("State() = %q, want crashed", inst.State())
	}
}

type silentProcess struct {
	local  ipc.Transport
	remote ipc.Transport
	done   chan struct{}
	once   sync.Once
}

func newSilentProcess() *silentProcess {
	local, remote := ipc.Pipe()
	p := &silentProcess{local: local, remote: remote, done: make(chan struct{})}
	go func() {
		// Drain requests without ever answering.
		for {
			if _, err := remote.Recv(); err != nil {
				return
			}
		}
	}()
	return p
}

func (p *silentProcess) Transport() ipc.Transport { return p.local }
func (p *silentProcess) Done() <-chan struct{}    { return p.done }
func (p *silentProcess) Err() error               { return nil }

func (p *silentProcess) Kill() error {
	p.once.Do(func() {
		_ = p.remote.Close()
		close(p.done)
	})
	return nil
}

func TestManager_HealthCheckMarksUnresponsiveCrashed(t *testing.T) {
	cfg := testConfig()
	cfg.HealthInterval = 20 * time.Millisecond
	cfg.HealthTimeout = 20 * time.Millisecond
	spawner := SpawnerFunc(func(context.Context, SpawnSpec) (Process, error) {
		return newSilentProcess(), nil
	})
	m := newTestManager(t, cfg, spawner)

	inst, err := m.Acquire(context.Background(), "default")
	if err != nil {
		t.Fatal(err)
	}
	m.Release(inst)

	waitFor(t, "health check crash", func() bool { return m.Stats().Crashed == 1 })
	if inst.State() != StateCrashed {
		t.Errorf("State() = %q, want crashed", inst.State())
	}
}

func TestManager_SpawnFailure(t *testing.T) {
	spawner := SpawnerFunc(func(context.Context, SpawnSpec) (Process, error) {
		return nil, errors.New("exec format error")
	})
	m := newTestManager(t, testConfig(), spawner)

	_, err := m.Acquire(context.Background(), "default")
	if !errors.Is(err, errors.ErrWorkerSpawnFailed) {
		t.Fatalf("Acquire() error = %v, want ErrWorkerSpawnFailed", err)
	}
	if s := m.Stats(); s.Active != 0 || s.Spawning != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestManager_ModeContextsAreIndependent(t *testing.T) {
	bus := event.NewBus()
	changes := make(chan event.ModeChangedEvent, 2)
	bus.Subscribe(event.TypeModeChanged, func(e event.Event) {
		changes <- e.(event.ModeChangedEvent)
	})
	m := newTestManager(t, testConfig(), newTrackingSpawner(echoExecutor()), WithBus(bus))
	ctx := context.Background()

	a, err := m.Acquire(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Acquire(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}

	if err := a.SwitchMode(mode.Plan); err != nil {
		t.Fatalf("SwitchMode() error = %v", err)
	}
	if a.Mode().Current() != mode.Plan {
		t.Errorf("a mode = %q, want plan", a.Mode().Current())
	}
	if b.Mode().Current() != mode.Default {
		t.Errorf("b mode = %q, want default", b.Mode().Current())
	}
	if err := a.SwitchMode(mode.Plan); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-changes:
		if e.WorkerID != a.ID() || e.From != string(mode.Default) || e.To != string(mode.Plan) {
			t.Errorf("mode event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no mode.changed event")
	}
	if len(changes) != 0 {
		t.Error("switching to the current mode published an event")
	}

	var pong ipc.Pong
	waitFor(t, "worker mode", func() bool {
		p, err := a.Ping(ctx, time.Second)
		pong = p
		return err == nil && p.Mode == string(mode.Plan)
	})
	if pong.WorkerID != a.ID() {
		t.Errorf("pong = %+v", pong)
	}
}
