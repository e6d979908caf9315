package pool

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"sync"

	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/ipc"
	"github.com/Iron-Ham/swarm/internal/logging"
	"github.com/Iron-Ham/swarm/internal/sysproc"
	"github.com/Iron-Ham/swarm/internal/worker"
)

// ProcessSpawner starts each worker as an OS process speaking JSON lines on
// its stdin and stdout. The worker id and class are passed in the
// SWARM_WORKER_ID and SWARM_WORKER_CLASS environment variables.
type ProcessSpawner struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
	// Stderr receives the worker's stderr. Nil discards it.
	Stderr io.Writer
	Logger *logging.Logger
}

// Spawn implements Spawner.
func (s *ProcessSpawner) Spawn(_ context.Context, spec SpawnSpec) (Process, error) {
	if s.Command == "" {
		return nil, fmt.Errorf("no worker command configured")
	}

	// Pipes are created by hand so cmd.Wait never closes our read end
	// before the final response line has been consumed.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdinR.Close()
		_ = stdinW.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	cmd := exec.Command(s.Command, slices.Clone(s.Args)...)
	cmd.Dir = s.Dir
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = s.Stderr
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, spec.Env...)
	cmd.Env = append(cmd.Env,
		"SWARM_WORKER_ID="+spec.ID,
		"SWARM_WORKER_CLASS="+spec.Class,
	)
	sysproc.Configure(cmd)

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdinR, stdinW, stdoutR, stdoutW} {
			_ = f.Close()
		}
		return nil, fmt.Errorf("start worker: %w", err)
	}
	// The child holds its own copies.
	_ = stdinR.Close()
	_ = stdoutW.Close()

	p := &osProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	p.transport = ipc.NewStreamTransport(stdoutR, stdinW, closers{stdinW, stdoutR})
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	if s.Logger != nil {
		s.Logger.Debug("worker process started", "worker_id", spec.ID, "pid", cmd.Process.Pid)
	}
	return p, nil
}

type osProcess struct {
	cmd       *exec.Cmd
	transport *ipc.StreamTransport
	done      chan struct{}
	err       error
}

func (p *osProcess) Transport() ipc.Transport { return p.transport }
func (p *osProcess) Done() <-chan struct{}    { return p.done }

func (p *osProcess) Err() error {
	<-p.done
	return p.err
}

func (p *osProcess) Kill() error {
	return sysproc.Kill(p.cmd.Process)
}

type closers []io.Closer

func (c closers) Close() error {
	var first error
	for _, cl := range c {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// InProcessSpawner runs each worker as a goroutine serving the protocol
// over an in-memory pipe. It is used by tests and by embedders that supply
// their own Executor. Its processes can be redialed: the worker keeps
// running its units while the orchestrator side reconnects.
type InProcessSpawner struct {
	Executor worker.Executor
	Logger   *logging.Logger
}

// Spawn implements Spawner.
func (s *InProcessSpawner) Spawn(_ context.Context, spec SpawnSpec) (Process, error) {
	if s.Executor == nil {
		return nil, fmt.Errorf("no executor configured")
	}
	local, remote := ipc.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	p := &goroutineProcess{
		transport: local,
		relay:     newRelay(remote),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go func() {
		err := worker.Serve(ctx, p.relay, s.Executor, worker.WithWorkerID(spec.ID), worker.WithLogger(s.Logger))
		_ = p.relay.Close()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type goroutineProcess struct {
	transport ipc.Transport
	relay     *relay
	cancel    context.CancelFunc
	done      chan struct{}

	mu  sync.Mutex
	err error
}

// Transport returns the connection the worker was started with.
func (p *goroutineProcess) Transport() ipc.Transport { return p.transport }
func (p *goroutineProcess) Done() <-chan struct{}    { return p.done }

func (p *goroutineProcess) Err() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *goroutineProcess) Kill() error {
	p.cancel()
	return nil
}

// Redial implements Redialer.
func (p *goroutineProcess) Redial(context.Context) (ipc.Transport, error) {
	select {
	case <-p.done:
		return nil, fmt.Errorf("%w: worker exited", errors.ErrChannelClosed)
	default:
	}
	local, remote := ipc.Pipe()
	if err := p.relay.replace(remote); err != nil {
		_ = local.Close()
		_ = remote.Close()
		return nil, err
	}
	return local, nil
}

// relay is the worker's end of an in-process connection. When the pipe
// breaks the worker blocks until Redial installs a new one, so in-flight
// responses are delivered on the replacement.
type relay struct {
	mu  sync.Mutex
	cur ipc.Transport
	// ready is closed while cur is usable.
	ready  chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newRelay(t ipc.Transport) *relay {
	r := &relay{
		cur:    t,
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
	close(r.ready)
	return r
}

func (r *relay) current() (ipc.Transport, error) {
	r.mu.Lock()
	t, ready := r.cur, r.ready
	r.mu.Unlock()
	select {
	case <-ready:
		return t, nil
	case <-r.closed:
		return nil, io.ErrClosedPipe
	}
}

func (r *relay) broken(t ipc.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != t {
		return
	}
	r.cur = nil
	r.ready = make(chan struct{})
	_ = t.Close()
}

func (r *relay) replace(t ipc.Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.closed:
		return fmt.Errorf("%w: worker exited", errors.ErrChannelClosed)
	default:
	}
	if r.cur != nil {
		_ = r.cur.Close()
	} else {
		close(r.ready)
	}
	r.cur = t
	return nil
}

func (r *relay) Send(msg ipc.Message) error {
	for {
		t, err := r.current()
		if err != nil {
			return err
		}
		err = t.Send(msg)
		if err == nil || !ipc.IsClosed(err) {
			return err
		}
		r.broken(t)
	}
}

func (r *relay) Recv() (ipc.Message, error) {
	for {
		t, err := r.current()
		if err != nil {
			return ipc.Message{}, err
		}
		msg, err := t.Recv()
		if err == nil || !ipc.IsClosed(err) {
			return msg, err
		}
		r.broken(t)
	}
}

func (r *relay) Close() error {
	r.once.Do(func() { close(r.closed) })
	r.mu.Lock()
	t := r.cur
	r.mu.Unlock()
	if t != nil {
		return t.Close()
	}
	return nil
}
