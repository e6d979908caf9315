package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/swarm/internal/ipc"
	"github.com/Iron-Ham/swarm/internal/task"
	"github.com/Iron-Ham/swarm/internal/worker"
)

// Succeed returns an executor that waits delay and then reports success
// with output prefix followed by the unit id.
func Succeed(prefix string, delay time.Duration) worker.ExecutorFunc {
	return func(ctx context.Context, req ipc.ExecuteRequest, _ worker.Reporter) (ipc.ExecuteResponse, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ipc.ExecuteResponse{Status: task.OutcomeAborted, Error: ctx.Err().Error()}, nil
		}
		return ipc.ExecuteResponse{Status: task.OutcomeSuccess, Output: prefix + req.UnitID}, nil
	}
}

// ScriptedExecutor succeeds for every unit except those marked failing and
// counts executions per unit. It is safe for concurrent use.
type ScriptedExecutor struct {
	// Delay is how long each execution takes.
	Delay time.Duration

	mu    sync.Mutex
	fail  map[string]bool
	calls map[string]int
}

// NewScriptedExecutor creates a ScriptedExecutor failing the given units.
func NewScriptedExecutor(failing ...string) *ScriptedExecutor {
	e := &ScriptedExecutor{
		Delay: 5 * time.Millisecond,
		fail:  make(map[string]bool),
		calls: make(map[string]int),
	}
	for _, id := range failing {
		e.fail[id] = true
	}
	return e
}

// Execute implements worker.Executor.
func (e *ScriptedExecutor) Execute(ctx context.Context, req ipc.ExecuteRequest, _ worker.Reporter) (ipc.ExecuteResponse, error) {
	e.mu.Lock()
	e.calls[req.UnitID]++
	failing := e.fail[req.UnitID]
	e.mu.Unlock()

	select {
	case <-time.After(e.Delay):
	case <-ctx.Done():
		return ipc.ExecuteResponse{Status: task.OutcomeAborted, Error: ctx.Err().Error()}, nil
	}
	if failing {
		return ipc.ExecuteResponse{Status: task.OutcomeFailure, Error: "exit status 1"}, nil
	}
	return ipc.ExecuteResponse{Status: task.OutcomeSuccess, Output: "done " + req.UnitID}, nil
}

// SetFailing changes whether unitID fails on its next execution.
func (e *ScriptedExecutor) SetFailing(unitID string, failing bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail[unitID] = failing
}

// Calls returns how many times unitID was executed.
func (e *ScriptedExecutor) Calls(unitID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[unitID]
}
