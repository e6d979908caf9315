package scheduler

import (
	"context"
	"time"

	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/event"
	"github.com/Iron-Ham/swarm/internal/ipc"
	"github.com/Iron-Ham/swarm/internal/mode"
	"github.com/Iron-Ham/swarm/internal/task"
)

// attempt runs one try of u on a pooled instance. It never touches loop
// state; everything it learns goes back in the returned message.
func (r *Run) attempt(ctx context.Context, u task.WorkUnit, n int) attemptDoneMsg {
	done := attemptDoneMsg{id: u.ID}

	class := u.Class
	if class == "" {
		class = r.opts.DefaultClass
	}
	inst, err := r.s.pool.Acquire(ctx, class)
	if err != nil {
		done.err = err
		return done
	}
	// A worker that may still be running u goes out of service so no other
	// unit is ever bound to it.
	var discard string
	defer func() {
		if discard != "" {
			r.s.pool.Discard(inst, discard)
			return
		}
		r.s.pool.Release(inst)
	}()
	done.workerID = inst.ID()
	done.startedAt = time.Now()
	inst.AssignUnit(u.ID)

	target := mode.Default
	if u.Mode != "" {
		target = mode.Mode(u.Mode)
	}
	if err := inst.SwitchMode(target); err != nil {
		done.err = err
		return done
	}

	var workDir string
	if r.opts.Hooks.WorkDir != nil {
		if workDir, err = r.opts.Hooks.WorkDir(u.ID); err != nil {
			done.err = err
			return done
		}
	}
	if r.opts.Hooks.Started != nil {
		r.opts.Hooks.Started(u.ID, workDir)
	}
	if r.opts.Hooks.Finished != nil {
		defer r.opts.Hooks.Finished(u.ID)
	}

	unsubscribe := inst.Channel().Subscribe(func(msg ipc.Message) {
		if msg.Method != ipc.EventObserved {
			return
		}
		var ev ipc.ObservedEvent
		if err := msg.Decode(&ev); err != nil || ev.UnitID != u.ID {
			return
		}
		r.Observe(u.ID, ev.Operation)
	})
	defer unsubscribe()

	r.s.bus.Publish(event.NewUnitStartedEvent(r.opts.BatchID, u.ID, inst.ID(), n))
	r.logger.WithUnit(u.ID).Debug("unit started", "worker_id", inst.ID(), "attempt", n, "mode", target)

	req := ipc.ExecuteRequest{
		UnitID:       u.ID,
		BatchID:      r.opts.BatchID,
		Instruction:  u.Instruction,
		WorkDir:      workDir,
		Mode:         string(target),
		Capabilities: inst.Mode().Capabilities().List(),
		Attempt:      n,
	}

	// The request outlives an abort by CancelGrace so the worker can report
	// how far it got.
	reqCtx, cancelReq := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelReq()
	stop := context.AfterFunc(ctx, func() {
		_ = inst.Cancel(u.ID, "aborted")
		time.AfterFunc(r.opts.CancelGrace, cancelReq)
	})
	defer stop()

	var resp ipc.ExecuteResponse
	if err := inst.Channel().Request(reqCtx, ipc.MethodExecute, req, &resp, r.opts.RequestTimeout); err != nil {
		switch {
		case errors.Is(err, errors.ErrRequestTimeout):
			_ = inst.Cancel(u.ID, "timed out")
			discard = "unit " + u.ID + " timed out"
		case reqCtx.Err() != nil:
			discard = "unit " + u.ID + " ignored cancel"
		}
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			err = ctx.Err()
		}
		done.err = err
		return done
	}
	done.resp = resp
	return done
}
