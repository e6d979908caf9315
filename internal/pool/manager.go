package pool

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/event"
	"github.com/Iron-Ham/swarm/internal/ipc"
	"github.com/Iron-Ham/swarm/internal/logging"
	"github.com/Iron-Ham/swarm/internal/mode"
)

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Active   int `json:"active"`
	Idle     int `json:"idle"`
	Busy     int `json:"busy"`
	Spawning int `json:"spawning"`
	Stopping int `json:"stopping"`
	Waiting  int `json:"waiting"`
	Crashed  int `json:"crashed"`
}

type acquireResult struct {
	inst *Instance
	err  error
}

type waiter struct {
	class    string
	reply    chan acquireResult
	spawning bool
	done     bool
}

func (w *waiter) resolve(inst *Instance, err error) {
	if w.done {
		return
	}
	w.done = true
	w.reply <- acquireResult{inst: inst, err: err}
}

// Manager messages. Every field of Manager below the inbox is owned by the
// loop goroutine; other goroutines only send messages.
type acquireMsg struct{ w *waiter }

type abandonMsg struct {
	w   *waiter
	err error
}

type releaseMsg struct{ inst *Instance }

type discardMsg struct {
	inst   *Instance
	reason string
}

type stoppedMsg struct{ inst *Instance }

type spawnedMsg struct {
	w    *waiter
	inst *Instance
	err  error
}

type lostMsg struct {
	inst *Instance
	err  error
}

type idleExpiredMsg struct {
	inst *Instance
	gen  uint64
}

type healthResultMsg struct {
	inst *Instance
	err  error
}

type graceExpiredMsg struct{ inst *Instance }

type statsMsg struct{ reply chan Stats }

type shutdownMsg struct{ reply chan struct{} }

// Manager owns the worker instances. Acquisitions are served from idle
// instances of the requested class, then by spawning while under
// MaxWorkers, then FIFO as capacity frees up.
type Manager struct {
	cfg     Config
	spawner Spawner
	arena   *mode.Arena
	bus     *event.Bus
	logger  *logging.Logger
	chOpts  []ipc.Option
	redials int

	inbox  chan any
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	stops  errgroup.Group

	instances    map[string]*Instance
	idle         map[string][]*Instance
	spawning     int
	stopping     int
	waiters      []*waiter
	crashed      int
	nextID       int
	shuttingDown bool
}

// NewManager creates a Manager and starts its loop.
func NewManager(cfg Config, spawner Spawner, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	o := &options{
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.arena == nil {
		o.arena = mode.NewArena(nil)
	}
	if o.bus == nil {
		o.bus = event.NewBus(event.WithLogger(o.logger))
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		spawner:   spawner,
		arena:     o.arena,
		bus:       o.bus,
		logger:    o.logger.WithPhase("pool"),
		chOpts:    o.channelOpts,
		redials:   o.reconnects,
		inbox:     make(chan any),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		instances: make(map[string]*Instance),
		idle:      make(map[string][]*Instance),
	}
	go m.loop()
	return m
}

// Arena returns the arena holding each instance's mode context.
func (m *Manager) Arena() *mode.Arena {
	return m.arena
}

func (m *Manager) send(msg any) bool {
	select {
	case m.inbox <- msg:
		return true
	case <-m.done:
		return false
	}
}

// Acquire returns an instance of class for exclusive use. It fails with
// ErrPoolExhausted when none becomes available within AcquireTimeout and
// with ErrPoolShuttingDown once Shutdown has begun.
func (m *Manager) Acquire(ctx context.Context, class string) (*Instance, error) {
	w := &waiter{class: class, reply: make(chan acquireResult, 1)}
	if !m.send(acquireMsg{w: w}) {
		return nil, errors.ErrPoolShuttingDown
	}

	var timeout <-chan time.Time
	if m.cfg.AcquireTimeout > 0 {
		timer := time.NewTimer(m.cfg.AcquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var abandonErr error
	select {
	case r := <-w.reply:
		return r.inst, r.err
	case <-timeout:
		abandonErr = errors.NewWorkerError(
			fmt.Sprintf("no %q worker available within %s", class, m.cfg.AcquireTimeout),
			errors.ErrPoolExhausted,
		)
	case <-ctx.Done():
		abandonErr = ctx.Err()
	}

	if !m.send(abandonMsg{w: w, err: abandonErr}) {
		return nil, abandonErr
	}
	// The loop answers every waiter exactly once. An instance granted
	// just before the abandon went through is handed back.
	r := <-w.reply
	if r.inst != nil {
		m.Release(r.inst)
		return nil, abandonErr
	}
	return nil, r.err
}

// Release returns a busy instance to the pool.
func (m *Manager) Release(inst *Instance) {
	if inst == nil {
		return
	}
	inst.AssignUnit("")
	m.send(releaseMsg{inst: inst})
}

// Discard takes a busy instance out of service instead of returning it to
// the idle set. It is used when the worker may still be running a unit it
// was asked to abandon. The instance keeps its slot until it has exited.
func (m *Manager) Discard(inst *Instance, reason string) {
	if inst == nil {
		return
	}
	m.send(discardMsg{inst: inst, reason: reason})
}

// Stats returns a snapshot of the pool.
func (m *Manager) Stats() Stats {
	reply := make(chan Stats, 1)
	if !m.send(statsMsg{reply: reply}) {
		return Stats{}
	}
	return <-reply
}

// Shutdown stops accepting acquisitions, cancels busy units, and waits for
// every instance to stop. Busy instances are killed after GracePeriod.
func (m *Manager) Shutdown(ctx context.Context) error {
	reply := make(chan struct{})
	if m.send(shutdownMsg{reply: reply}) {
		<-reply
	}
	select {
	case <-m.done:
	case <-ctx.Done():
		m.cancel()
		return ctx.Err()
	}
	m.cancel()
	return m.stops.Wait()
}

// Done is closed when the pool has fully shut down.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) loop() {
	defer close(m.done)

	var healthC <-chan time.Time
	if m.cfg.HealthInterval > 0 {
		ticker := time.NewTicker(m.cfg.HealthInterval)
		defer ticker.Stop()
		healthC = ticker.C
	}

	for {
		if m.shuttingDown && len(m.instances) == 0 && m.spawning == 0 && m.stopping == 0 {
			return
		}
		select {
		case msg := <-m.inbox:
			m.handle(msg)
		case <-healthC:
			m.checkHealth()
		}
	}
}

func (m *Manager) handle(msg any) {
	switch msg := msg.(type) {
	case acquireMsg:
		if m.shuttingDown {
			msg.w.resolve(nil, errors.ErrPoolShuttingDown)
			return
		}
		m.waiters = append(m.waiters, msg.w)
		m.dispatch()

	case abandonMsg:
		m.removeWaiter(msg.w)
		msg.w.resolve(nil, msg.err)

	case releaseMsg:
		m.release(msg.inst)

	case discardMsg:
		if msg.inst.State() == StateBusy {
			m.logger.Warn("discarding worker", "instance_id", msg.inst.id, "unit_id", msg.inst.Unit(), "reason", msg.reason)
			m.terminate(msg.inst, msg.reason)
		}

	case stoppedMsg:
		m.stopping--
		m.dispatch()

	case spawnedMsg:
		m.spawned(msg)

	case lostMsg:
		m.crash(msg.inst, msg.err)

	case idleExpiredMsg:
		if msg.inst.State() == StateIdle && msg.inst.idleGen == msg.gen {
			m.logger.Debug("idle timeout", "instance_id", msg.inst.id)
			m.terminate(msg.inst, "idle timeout")
			m.dispatch()
		}

	case healthResultMsg:
		msg.inst.checking = false
		if msg.err != nil && msg.inst.State().IsAlive() {
			m.crash(msg.inst, fmt.Errorf("health check failed: %w", msg.err))
		}

	case graceExpiredMsg:
		if msg.inst.State() == StateBusy {
			m.logger.Warn("grace period expired, killing busy instance", "instance_id", msg.inst.id)
			m.terminate(msg.inst, "grace period expired")
			m.dispatch()
		}

	case statsMsg:
		msg.reply <- m.stats()

	case shutdownMsg:
		m.beginShutdown()
		close(msg.reply)
	}
}

// dispatch serves queued waiters in FIFO order.
func (m *Manager) dispatch() {
	for _, w := range m.waiters {
		if w.spawning {
			continue
		}
		if inst := m.popIdle(w.class); inst != nil {
			m.removeWaiter(w)
			m.grant(w, inst)
			m.dispatch()
			return
		}
		if m.active() >= m.cfg.MaxWorkers {
			// Capacity is the only thing blocking the head of the queue;
			// later waiters must not overtake it. A stopping worker frees
			// its slot when it exits.
			if m.stopping == 0 {
				m.evictIdle(w.class)
			}
			return
		}
		w.spawning = true
		m.spawn(w)
	}
}

func (m *Manager) active() int {
	return len(m.instances) + m.spawning + m.stopping
}

func (m *Manager) grant(w *waiter, inst *Instance) {
	inst.setState(StateBusy)
	inst.idleGen++
	w.resolve(inst, nil)
}

func (m *Manager) popIdle(class string) *Instance {
	list := m.idle[class]
	if len(list) == 0 {
		return nil
	}
	// Most recently used first; older instances age out via the idle timer.
	inst := list[len(list)-1]
	m.idle[class] = list[:len(list)-1]
	return inst
}

// evictIdle terminates the longest-idle instance of another class. Its slot
// frees up once the worker has exited.
func (m *Manager) evictIdle(class string) {
	for c, list := range m.idle {
		if c == class || len(list) == 0 {
			continue
		}
		m.terminate(list[0], "evicted for class "+class)
		return
	}
}

func (m *Manager) removeWaiter(w *waiter) {
	for i, x := range m.waiters {
		if x == w {
			m.waiters = append(m.waiters[:i:i], m.waiters[i+1:]...)
			return
		}
	}
}

func (m *Manager) removeIdle(inst *Instance) {
	list := m.idle[inst.class]
	for i, x := range list {
		if x == inst {
			m.idle[inst.class] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (m *Manager) spawn(w *waiter) {
	m.spawning++
	m.nextID++
	id := fmt.Sprintf("w-%d", m.nextID)
	class := w.class

	go func() {
		inst, err := m.startInstance(id, class)
		if !m.send(spawnedMsg{w: w, inst: inst, err: err}) && inst != nil {
			inst.channel.Fail(errors.ErrPoolShuttingDown)
			_ = inst.proc.Kill()
			m.arena.Remove(id)
		}
	}()
}

// startInstance runs outside the loop.
func (m *Manager) startInstance(id, class string) (*Instance, error) {
	proc, err := m.spawner.Spawn(m.ctx, SpawnSpec{ID: id, Class: class})
	if err != nil {
		return nil, errors.NewWorkerError("spawn failed", fmt.Errorf("%w: %v", errors.ErrWorkerSpawnFailed, err)).
			WithWorkerID(id)
	}
	mc, err := m.arena.Create(id, mode.Default)
	if err != nil {
		_ = proc.Kill()
		return nil, err
	}

	inst := &Instance{
		id:      id,
		class:   class,
		proc:    proc,
		mode:    mc,
		bus:     m.bus,
		spawned: time.Now(),
		state:   StateSpawning,
	}
	opts := append([]ipc.Option{
		ipc.WithLogger(m.logger),
		ipc.WithOnLost(func(err error) { m.send(lostMsg{inst: inst, err: err}) }),
	}, m.chOpts...)
	if r, ok := proc.(Redialer); ok && m.redials > 0 {
		opts = append(opts, ipc.WithReconnect(r.Redial, m.redials))
	}
	inst.channel = ipc.NewChannel(id, proc.Transport(), opts...)

	go func() {
		select {
		case <-proc.Done():
			m.send(lostMsg{inst: inst, err: fmt.Errorf("worker exited: %v", proc.Err())})
		case <-inst.channel.Done():
		}
	}()
	return inst, nil
}

func (m *Manager) spawned(msg spawnedMsg) {
	m.spawning--
	w := msg.w
	m.removeWaiter(w)

	if msg.err != nil {
		m.logger.Error("failed to spawn worker", "class", w.class, "error", msg.err)
		w.resolve(nil, msg.err)
		m.dispatch()
		return
	}

	inst := msg.inst
	if inst.lost != nil {
		// The worker died before its first message reached the loop.
		inst.setState(StateCrashed)
		inst.channel.Fail(errors.ErrWorkerCrashed)
		_ = inst.proc.Kill()
		m.arena.Remove(inst.id)
		m.crashed++
		err := errors.NewWorkerError("worker exited during startup",
			fmt.Errorf("%w: %v", errors.ErrWorkerSpawnFailed, inst.lost)).WithWorkerID(inst.id)
		m.logger.Error("worker exited during startup", "instance_id", inst.id, "error", inst.lost)
		m.bus.Publish(event.NewWorkerCrashedEvent(inst.id, "", inst.lost.Error()))
		w.resolve(nil, err)
		m.dispatch()
		return
	}
	m.instances[inst.id] = inst
	m.bus.Publish(event.NewWorkerSpawnedEvent(inst.id, inst.class))
	m.logger.Info("worker spawned", "instance_id", inst.id, "class", inst.class)

	switch {
	case m.shuttingDown:
		m.terminate(inst, "pool shutting down")
	case w.done:
		// The waiter gave up while we were spawning; keep the instance.
		m.makeIdle(inst)
		m.dispatch()
	default:
		m.grant(w, inst)
	}
}

func (m *Manager) release(inst *Instance) {
	if inst.State() != StateBusy {
		return
	}
	if m.shuttingDown {
		m.terminate(inst, "pool shutting down")
		return
	}
	m.makeIdle(inst)
	m.dispatch()
}

func (m *Manager) makeIdle(inst *Instance) {
	inst.setState(StateIdle)
	inst.idleGen++
	m.idle[inst.class] = append(m.idle[inst.class], inst)
	if m.cfg.IdleTimeout > 0 {
		gen := inst.idleGen
		time.AfterFunc(m.cfg.IdleTimeout, func() {
			m.send(idleExpiredMsg{inst: inst, gen: gen})
		})
	}
}

// forget removes inst from every set.
func (m *Manager) forget(inst *Instance) {
	if inst.State() == StateIdle {
		m.removeIdle(inst)
	}
	delete(m.instances, inst.id)
	m.arena.Remove(inst.id)
}

func (m *Manager) crash(inst *Instance, cause error) {
	if _, ok := m.instances[inst.id]; !ok {
		if inst.State() == StateSpawning && inst.lost == nil {
			inst.lost = cause
		}
		return
	}
	if !inst.State().IsAlive() {
		return
	}
	unitID := inst.Unit()
	m.forget(inst)
	inst.setState(StateCrashed)
	m.crashed++

	crashErr := errors.NewWorkerError("worker crashed", fmt.Errorf("%w: %v", errors.ErrWorkerCrashed, cause)).
		WithWorkerID(inst.id).
		WithUnitID(unitID)
	inst.channel.Fail(crashErr)
	_ = inst.proc.Kill()

	m.logger.Warn("worker crashed", "instance_id", inst.id, "unit_id", unitID, "error", cause)
	m.bus.Publish(event.NewWorkerCrashedEvent(inst.id, unitID, cause.Error()))
	m.dispatch()
}

// terminate stops inst gracefully in the background. The instance counts
// against MaxWorkers until its process has exited; the stoppedMsg that
// follows dispatches the freed slot.
func (m *Manager) terminate(inst *Instance, reason string) {
	if _, ok := m.instances[inst.id]; !ok {
		return
	}
	m.forget(inst)
	inst.setState(StateTerminated)
	m.stopping++
	m.bus.Publish(event.NewWorkerTerminatedEvent(inst.id, reason))
	m.logger.Debug("terminating worker", "instance_id", inst.id, "reason", reason)

	grace := m.cfg.GracePeriod
	m.stops.Go(func() error {
		defer m.send(stoppedMsg{inst: inst})
		if msg, err := ipc.NewNotification(ipc.MethodShutdown, nil); err == nil {
			_ = inst.channel.Notify(msg)
		}
		select {
		case <-inst.proc.Done():
		case <-time.After(grace):
		}
		inst.channel.Fail(errors.ErrChannelClosed)
		select {
		case <-inst.proc.Done():
			return nil
		default:
		}
		if err := inst.proc.Kill(); err != nil {
			return fmt.Errorf("kill %s: %w", inst.id, err)
		}
		select {
		case <-inst.proc.Done():
		case <-time.After(grace):
			m.logger.Warn("worker still running after kill", "instance_id", inst.id)
		}
		return nil
	})
}

func (m *Manager) beginShutdown() {
	if m.shuttingDown {
		return
	}
	m.shuttingDown = true
	m.logger.Info("pool shutting down", "instances", len(m.instances), "waiters", len(m.waiters))

	for _, w := range m.waiters {
		w.resolve(nil, errors.ErrPoolShuttingDown)
	}
	m.waiters = nil

	for _, inst := range m.instances {
		switch inst.State() {
		case StateIdle:
			m.terminate(inst, "pool shutting down")
		case StateBusy:
			if err := inst.Cancel("", "pool shutting down"); err != nil {
				m.logger.Debug("cancel notification failed", "instance_id", inst.id, "error", err)
			}
			time.AfterFunc(m.cfg.GracePeriod, func() {
				m.send(graceExpiredMsg{inst: inst})
			})
		}
	}
}

func (m *Manager) checkHealth() {
	for _, list := range m.idle {
		for _, inst := range list {
			if inst.checking {
				continue
			}
			inst.checking = true
			go func() {
				_, err := inst.Ping(m.ctx, m.cfg.HealthTimeout)
				m.send(healthResultMsg{inst: inst, err: err})
			}()
		}
	}
}

func (m *Manager) stats() Stats {
	s := Stats{
		Active:   m.active(),
		Spawning: m.spawning,
		Stopping: m.stopping,
		Crashed:  m.crashed,
	}
	for _, w := range m.waiters {
		if !w.spawning {
			s.Waiting++
		}
	}
	for _, inst := range m.instances {
		switch inst.State() {
		case StateIdle:
			s.Idle++
		case StateBusy:
			s.Busy++
		}
	}
	return s
}
