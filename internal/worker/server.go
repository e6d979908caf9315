package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/swarm/internal/ipc"
	"github.com/Iron-Ham/swarm/internal/logging"
	"github.com/Iron-Ham/swarm/internal/mode"
	"github.com/Iron-Ham/swarm/internal/task"
)

// Executor carries out a single unit. Implementations must honor ctx:
// cancellation means the orchestrator aborted the unit.
type Executor interface {
	Execute(ctx context.Context, req ipc.ExecuteRequest, report Reporter) (ipc.ExecuteResponse, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req ipc.ExecuteRequest, report Reporter) (ipc.ExecuteResponse, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req ipc.ExecuteRequest, report Reporter) (ipc.ExecuteResponse, error) {
	return f(ctx, req, report)
}

// Reporter streams progress back to the orchestrator while a unit runs.
type Reporter interface {
	Status(message string)
	Observed(op task.Operation)
}

type execution struct {
	unitID string
	cancel context.CancelFunc
}

// server is the worker side of the protocol.
type server struct {
	id     string
	t      ipc.Transport
	exec   Executor
	logger *logging.Logger
	mode   *mode.Context

	mu      sync.Mutex
	running map[string]*execution // correlation id -> execution

	wg conc.WaitGroup
}

// Serve answers orchestrator requests on t until the transport closes, ctx
// is done, or a shutdown notification arrives. Executions run concurrently
// with the read loop so pings and cancels are handled while a unit runs.
func Serve(ctx context.Context, t ipc.Transport, exec Executor, opts ...Option) error {
	cfg := &config{
		id:       "worker",
		logger:   logging.NopLogger(),
		registry: mode.DefaultRegistry(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	mc, err := mode.NewContext(cfg.id, cfg.registry, mode.Default)
	if err != nil {
		return err
	}
	s := &server{
		id:      cfg.id,
		t:       t,
		exec:    exec,
		logger:  cfg.logger.WithInstance(cfg.id),
		mode:    mc,
		running: make(map[string]*execution),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = t.Close()
	}()

	err = s.loop(ctx)
	s.cancelAll()
	s.wg.Wait()
	return err
}

func (s *server) loop(ctx context.Context) error {
	for {
		msg, err := s.t.Recv()
		if err != nil {
			if ctx.Err() != nil || ipc.IsClosed(err) {
				return nil
			}
			return fmt.Errorf("worker %s: %w", s.id, err)
		}

		switch msg.Kind {
		case ipc.KindRequest:
			s.handleRequest(ctx, msg)
		case ipc.KindNotify:
			if stop := s.handleNotify(msg); stop {
				return nil
			}
		default:
			s.logger.Debug("ignoring message", "kind", msg.Kind, "method", msg.Method)
		}
	}
}

func (s *server) handleRequest(ctx context.Context, msg ipc.Message) {
	switch msg.Method {
	case ipc.MethodExecute:
		var req ipc.ExecuteRequest
		if err := msg.Decode(&req); err != nil {
			s.reply(msg, nil, err)
			return
		}
		execCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.running[msg.ID] = &execution{unitID: req.UnitID, cancel: cancel}
		s.mu.Unlock()

		s.wg.Go(func() {
			defer cancel()
			resp := s.execute(execCtx, req)
			s.mu.Lock()
			delete(s.running, msg.ID)
			s.mu.Unlock()
			s.reply(msg, resp, nil)
		})

	case ipc.MethodPing:
		s.mu.Lock()
		busy := len(s.running) > 0
		s.mu.Unlock()
		s.reply(msg, ipc.Pong{WorkerID: s.id, Mode: string(s.mode.Current()), Busy: busy}, nil)

	case ipc.MethodModeSwitch:
		var sw ipc.ModeSwitch
		err := msg.Decode(&sw)
		if err == nil {
			err = s.switchMode(sw)
		}
		s.reply(msg, nil, err)

	default:
		s.reply(msg, nil, fmt.Errorf("unknown method %q", msg.Method))
	}
}

// handleNotify processes a notification and reports whether the worker should stop.
func (s *server) handleNotify(msg ipc.Message) bool {
	switch msg.Method {
	case ipc.MethodCancel:
		var req ipc.CancelRequest
		if err := msg.Decode(&req); err != nil {
			s.logger.Warn("bad cancel payload", "error", err)
			return false
		}
		s.cancel(req.UnitID)
	case ipc.MethodModeSwitch:
		var sw ipc.ModeSwitch
		if err := msg.Decode(&sw); err == nil {
			if err := s.switchMode(sw); err != nil {
				s.logger.Warn("mode switch failed", "mode", sw.Mode, "error", err)
			}
		}
	case ipc.MethodShutdown:
		s.logger.Debug("shutdown requested")
		return true
	default:
		s.logger.Debug("ignoring notification", "method", msg.Method)
	}
	return false
}

// switchMode registers modes this worker has not seen before so that
// orchestrator-defined modes work without local configuration.
func (s *server) switchMode(sw ipc.ModeSwitch) error {
	if sw.Mode == "" {
		return nil
	}
	m := mode.Mode(sw.Mode)
	if _, ok := s.mode.Registry().Lookup(m); !ok || len(sw.Capabilities) > 0 {
		s.mode.Registry().Register(m, mode.NewCapabilities(sw.Capabilities...))
	}
	_, err := s.mode.Switch(m)
	return err
}

func (s *server) cancel(unitID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.running {
		if unitID == "" || e.unitID == unitID {
			e.cancel()
		}
	}
}

func (s *server) cancelAll() {
	s.cancel("")
}

func (s *server) execute(ctx context.Context, req ipc.ExecuteRequest) ipc.ExecuteResponse {
	if req.Mode != "" {
		if err := s.switchMode(ipc.ModeSwitch{Mode: req.Mode, Capabilities: req.Capabilities}); err != nil {
			return ipc.ExecuteResponse{Status: task.OutcomeFailure, Error: err.Error()}
		}
	}

	start := time.Now()
	var (
		resp ipc.ExecuteResponse
		err  error
	)
	var pc panics.Catcher
	pc.Try(func() {
		resp, err = s.exec.Execute(ctx, req, &reporter{s: s, unitID: req.UnitID})
	})
	if r := pc.Recovered(); r != nil {
		s.logger.Error("executor panicked", "unit_id", req.UnitID, "panic", r.Value)
		err = r.AsError()
	}

	switch {
	case ctx.Err() != nil && (err != nil || resp.Status != task.OutcomeSuccess):
		resp.Status = task.OutcomeAborted
		if resp.Error == "" {
			resp.Error = "canceled"
		}
	case err != nil:
		resp.Status = task.OutcomeFailure
		resp.Error = err.Error()
	case resp.Status == "":
		resp.Status = task.OutcomeSuccess
	}
	if resp.Metrics.Duration == 0 {
		resp.Metrics.Duration = time.Since(start)
	}
	return resp
}

func (s *server) reply(req ipc.Message, payload any, handlerErr error) {
	resp, err := ipc.NewResponse(req, payload, handlerErr)
	if err != nil {
		resp, _ = ipc.NewResponse(req, nil, err)
	}
	if err := s.t.Send(resp); err != nil && !ipc.IsClosed(err) {
		s.logger.Warn("failed to send response", "method", req.Method, "error", err)
	}
}

type reporter struct {
	s      *server
	unitID string
}

func (r *reporter) Status(message string) {
	r.emit(ipc.EventStatus, ipc.StatusEvent{UnitID: r.unitID, Message: message})
}

func (r *reporter) Observed(op task.Operation) {
	r.emit(ipc.EventObserved, ipc.ObservedEvent{UnitID: r.unitID, Operation: op})
}

func (r *reporter) emit(method string, payload any) {
	ev, err := ipc.NewEvent(method, payload)
	if err != nil {
		return
	}
	if err := r.s.t.Send(ev); err != nil {
		r.s.logger.Debug("dropping event", "method", method, "error", err)
	}
}
