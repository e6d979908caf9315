//go:build unix

package sysproc

import (
	"os/exec"
	"testing"
	"time"
)

func TestKill_StopsProcessGroup(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 30 & sleep 30")
	Configure(cmd)
	if err := cmd.Start(); err != nil {
		t.Skipf("sh unavailable: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	if err := Kill(cmd.Process); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process group survived Kill")
	}

	// Killing an exited process is not an error.
	if err := Kill(cmd.Process); err != nil {
		t.Errorf("Kill() after exit error = %v", err)
	}
}

func TestKill_NilProcess(t *testing.T) {
	if err := Kill(nil); err != nil {
		t.Errorf("Kill(nil) error = %v", err)
	}
	if err := Terminate(nil); err != nil {
		t.Errorf("Terminate(nil) error = %v", err)
	}
}
