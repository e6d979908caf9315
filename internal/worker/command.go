package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/swarm/internal/ipc"
	"github.com/Iron-Ham/swarm/internal/sysproc"
	"github.com/Iron-Ham/swarm/internal/task"
)

// DefaultWaitDelay is how long a canceled command may keep its output
// pipes open after being killed.
const DefaultWaitDelay = 5 * time.Second

// CommandExecutor runs a command per unit with the instruction on stdin and
// the unit's working directory as cwd. Combined stdout and stderr become
// the unit output; a non-zero exit is a failure.
type CommandExecutor struct {
	// Argv is the command and its arguments, e.g. ["sh"] or ["bash", "-e"].
	Argv []string
	// Env entries (KEY=VALUE) are appended to the inherited environment.
	Env []string
	// WaitDelay overrides DefaultWaitDelay.
	WaitDelay time.Duration
}

// Execute implements Executor.
func (e *CommandExecutor) Execute(ctx context.Context, req ipc.ExecuteRequest, report Reporter) (ipc.ExecuteResponse, error) {
	if len(e.Argv) == 0 {
		return ipc.ExecuteResponse{}, errors.New("no command configured")
	}

	cmd := exec.CommandContext(ctx, e.Argv[0], e.Argv[1:]...)
	cmd.Dir = req.WorkDir
	cmd.Stdin = strings.NewReader(req.Instruction)
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env,
		"SWARM_UNIT_ID="+req.UnitID,
		"SWARM_BATCH_ID="+req.BatchID,
		"SWARM_MODE="+req.Mode,
		"SWARM_ATTEMPT="+strconv.Itoa(req.Attempt),
		"SWARM_CAPABILITIES="+strings.Join(req.Capabilities, ","),
	)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	sysproc.Configure(cmd)
	cmd.Cancel = func() error {
		return sysproc.Kill(cmd.Process)
	}
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	report.Status(fmt.Sprintf("running %s", e.Argv[0]))
	start := time.Now()
	err := cmd.Run()

	resp := ipc.ExecuteResponse{
		Output:  out.String(),
		Metrics: task.Metrics{Duration: time.Since(start)},
	}
	switch {
	case ctx.Err() != nil:
		resp.Status = task.OutcomeAborted
		resp.Error = "canceled"
	case err != nil:
		resp.Status = task.OutcomeFailure
		resp.Error = err.Error()
	default:
		resp.Status = task.OutcomeSuccess
	}
	return resp, nil
}
