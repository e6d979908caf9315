package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/ipc"
	"github.com/Iron-Ham/swarm/internal/task"
)

// startWorker runs Serve on one end of a pipe and returns a channel to the other.
func startWorker(t *testing.T, exec Executor) (*ipc.Channel, <-chan error) {
	t.Helper()
	local, remote := ipc.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- Serve(ctx, remote, exec, WithWorkerID("w-test")) }()

	ch := ipc.NewChannel("w-test", local)
	t.Cleanup(func() {
		cancel()
		_ = ch.Close()
	})
	return ch, served
}

func execute(t *testing.T, ch *ipc.Channel, req ipc.ExecuteRequest) ipc.ExecuteResponse {
	t.Helper()
	var resp ipc.ExecuteResponse
	if err := ch.Request(context.Background(), ipc.MethodExecute, req, &resp, 5*time.Second); err != nil {
		t.Fatalf("execute error = %v", err)
	}
	return resp
}

func TestServe_Execute(t *testing.T) {
	exec := ExecutorFunc(func(_ context.Context, req ipc.ExecuteRequest, r Reporter) (ipc.ExecuteResponse, error) {
		r.Status("halfway")
		r.Observed(task.Operation{Kind: task.OpWrite, Path: "out.txt"})
		return ipc.ExecuteResponse{Output: "did " + req.Instruction, Metrics: task.Metrics{InputTokens: 7}}, nil
	})
	ch, _ := startWorker(t, exec)

	events := make(chan ipc.Message, 4)
	ch.Subscribe(func(m ipc.Message) { events <- m })

	resp := execute(t, ch, ipc.ExecuteRequest{UnitID: "u1", Instruction: "work"})
	if resp.Status != task.OutcomeSuccess {
		t.Errorf("Status = %q, want success", resp.Status)
	}
	if resp.Output != "did work" {
		t.Errorf("Output = %q", resp.Output)
	}
	if resp.Metrics.InputTokens != 7 || resp.Metrics.Duration <= 0 {
		t.Errorf("Metrics = %+v", resp.Metrics)
	}

	gotStatus, gotObserved := false, false
	for range 2 {
		select {
		case m := <-events:
			switch m.Method {
			case ipc.EventStatus:
				gotStatus = true
			case ipc.EventObserved:
				var ev ipc.ObservedEvent
				if err := m.Decode(&ev); err != nil || ev.Operation.Path != "out.txt" || ev.UnitID != "u1" {
					t.Errorf("observed event = %+v, %v", ev, err)
				}
				gotObserved = true
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for worker events")
		}
	}
	if !gotStatus || !gotObserved {
		t.Errorf("status=%v observed=%v, want both", gotStatus, gotObserved)
	}
}

func TestServe_ExecutorErrorIsFailure(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, ipc.ExecuteRequest, Reporter) (ipc.ExecuteResponse, error) {
		return ipc.ExecuteResponse{}, errors.New("compile failed")
	})
	ch, _ := startWorker(t, exec)

	resp := execute(t, ch, ipc.ExecuteRequest{UnitID: "u1"})
	if resp.Status != task.OutcomeFailure || resp.Error != "compile failed" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestServe_PanicIsFailure(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, ipc.ExecuteRequest, Reporter) (ipc.ExecuteResponse, error) {
		panic("boom")
	})
	ch, _ := startWorker(t, exec)

	resp := execute(t, ch, ipc.ExecuteRequest{UnitID: "u1"})
	if resp.Status != task.OutcomeFailure || !strings.Contains(resp.Error, "boom") {
		t.Errorf("resp = %+v", resp)
	}

	// The worker survives and keeps serving.
	var pong ipc.Pong
	if err := ch.Request(context.Background(), ipc.MethodPing, nil, &pong, time.Second); err != nil {
		t.Fatalf("ping after panic error = %v", err)
	}
}

func TestServe_CancelAbortsUnit(t *testing.T) {
	started := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, _ ipc.ExecuteRequest, _ Reporter) (ipc.ExecuteResponse, error) {
		close(started)
		<-ctx.Done()
		return ipc.ExecuteResponse{}, ctx.Err()
	})
	ch, _ := startWorker(t, exec)

	result := make(chan ipc.ExecuteResponse, 1)
	go func() {
		var resp ipc.ExecuteResponse
		_ = ch.Request(context.Background(), ipc.MethodExecute, ipc.ExecuteRequest{UnitID: "slow"}, &resp, 5*time.Second)
		result <- resp
	}()
	<-started

	var pong ipc.Pong
	if err := ch.Request(context.Background(), ipc.MethodPing, nil, &pong, time.Second); err != nil {
		t.Fatalf("ping error = %v", err)
	}
	if !pong.Busy || pong.WorkerID != "w-test" {
		t.Errorf("pong = %+v, want busy w-test", pong)
	}

	msg, _ := ipc.NewNotification(ipc.MethodCancel, ipc.CancelRequest{UnitID: "other"})
	if err := ch.Notify(msg); err != nil {
		t.Fatal(err)
	}
	select {
	case <-result:
		t.Fatal("cancel for another unit stopped this one")
	case <-time.After(30 * time.Millisecond):
	}

	msg, _ = ipc.NewNotification(ipc.MethodCancel, ipc.CancelRequest{UnitID: "slow"})
	if err := ch.Notify(msg); err != nil {
		t.Fatal(err)
	}
	select {
	case resp := <-result:
		if resp.Status != task.OutcomeAborted {
			t.Errorf("Status = %q, want aborted", resp.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unit not aborted")
	}
}

func TestServe_ModeSwitch(t *testing.T) {
	var seenMode string
	exec := ExecutorFunc(func(_ context.Context, req ipc.ExecuteRequest, _ Reporter) (ipc.ExecuteResponse, error) {
		seenMode = req.Mode
		return ipc.ExecuteResponse{}, nil
	})
	ch, _ := startWorker(t, exec)

	if err := ch.Request(context.Background(), ipc.MethodModeSwitch, ipc.ModeSwitch{Mode: "plan"}, nil, time.Second); err != nil {
		t.Fatalf("mode.switch error = %v", err)
	}
	var pong ipc.Pong
	if err := ch.Request(context.Background(), ipc.MethodPing, nil, &pong, time.Second); err != nil {
		t.Fatal(err)
	}
	if pong.Mode != "plan" {
		t.Errorf("mode after switch = %q, want plan", pong.Mode)
	}

	// Modes unknown to the worker are registered from the payload.
	execute(t, ch, ipc.ExecuteRequest{UnitID: "u1", Mode: "triage", Capabilities: []string{"read_file"}})
	if seenMode != "triage" {
		t.Errorf("executor saw mode %q", seenMode)
	}
	if err := ch.Request(context.Background(), ipc.MethodPing, nil, &pong, time.Second); err != nil {
		t.Fatal(err)
	}
	if pong.Mode != "triage" {
		t.Errorf("mode after execute = %q, want triage", pong.Mode)
	}
}

func TestServe_UnknownMethod(t *testing.T) {
	ch, _ := startWorker(t, ExecutorFunc(func(context.Context, ipc.ExecuteRequest, Reporter) (ipc.ExecuteResponse, error) {
		return ipc.ExecuteResponse{}, nil
	}))
	err := ch.Request(context.Background(), "reticulate", nil, nil, time.Second)
	if !errors.Is(err, ipc.ErrRemote) {
		t.Fatalf("error = %v, want ErrRemote", err)
	}
}

func TestServe_ShutdownNotification(t *testing.T) {
	ch, served := startWorker(t, ExecutorFunc(func(context.Context, ipc.ExecuteRequest, Reporter) (ipc.ExecuteResponse, error) {
		return ipc.ExecuteResponse{}, nil
	}))
	msg, _ := ipc.NewNotification(ipc.MethodShutdown, nil)
	if err := ch.Notify(msg); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
}

func TestServe_ReturnsWhenPeerCloses(t *testing.T) {
	ch, served := startWorker(t, ExecutorFunc(func(context.Context, ipc.ExecuteRequest, Reporter) (ipc.ExecuteResponse, error) {
		return ipc.ExecuteResponse{}, nil
	}))
	_ = ch.Close()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after transport closed")
	}
}
