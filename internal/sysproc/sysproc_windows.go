//go:build windows

package sysproc

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// Configure starts cmd in a new process group.
func Configure(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= syscall.CREATE_NEW_PROCESS_GROUP
}

// Terminate stops p. Windows has no catchable termination signal for
// console-less children, so this is the same as Kill.
func Terminate(p *os.Process) error {
	return Kill(p)
}

// Kill forcibly stops p.
func Kill(p *os.Process) error {
	if p == nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
