package pool

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/swarm/internal/event"
	"github.com/Iron-Ham/swarm/internal/ipc"
	"github.com/Iron-Ham/swarm/internal/mode"
)

// State is the lifecycle state of a worker instance.
type State string

const (
	StateSpawning   State = "spawning"
	StateIdle       State = "idle"
	StateBusy       State = "busy"
	StateCrashed    State = "crashed"
	StateTerminated State = "terminated"
)

// IsAlive reports whether an instance in this state can still do work.
func (s State) IsAlive() bool {
	return s == StateIdle || s == StateBusy
}

// Instance is one live worker. Its mode context and channel belong to it
// alone; neither is shared with other instances.
type Instance struct {
	id      string
	class   string
	proc    Process
	channel *ipc.Channel
	mode    *mode.Context
	bus     *event.Bus
	spawned time.Time

	mu    sync.RWMutex
	state State
	unit  string

	// Owned by the manager loop.
	idleGen  uint64
	checking bool
	lost     error
}

// ID returns the instance id.
func (i *Instance) ID() string { return i.id }

// Class returns the resource class the instance was spawned for.
func (i *Instance) Class() string { return i.class }

// Channel returns the instance's IPC channel.
func (i *Instance) Channel() *ipc.Channel { return i.channel }

// Mode returns the instance's mode context.
func (i *Instance) Mode() *mode.Context { return i.mode }

// SpawnedAt returns when the instance was started.
func (i *Instance) SpawnedAt() time.Time { return i.spawned }

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

func (i *Instance) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

// AssignUnit records which unit the instance is running, for crash reports.
// An empty id clears it.
func (i *Instance) AssignUnit(unitID string) {
	i.mu.Lock()
	i.unit = unitID
	i.mu.Unlock()
}

// Unit returns the unit the instance is running, if any.
func (i *Instance) Unit() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.unit
}

// SwitchMode changes this instance's mode and pushes it to the worker.
// Switching to the current mode is a no-op.
func (i *Instance) SwitchMode(m mode.Mode) error {
	if i.mode.Current() == m {
		return nil
	}
	prev, err := i.mode.Switch(m)
	if err != nil {
		return err
	}
	msg, err := ipc.NewNotification(ipc.MethodModeSwitch, ipc.ModeSwitch{
		Mode:         string(m),
		Capabilities: i.mode.Capabilities().List(),
	})
	if err != nil {
		return err
	}
	if err := i.channel.Notify(msg); err != nil {
		return err
	}
	if i.bus != nil {
		i.bus.Publish(event.NewModeChangedEvent(i.id, string(prev), string(m)))
	}
	return nil
}

// Cancel asks the worker to stop unitID (or everything when empty).
func (i *Instance) Cancel(unitID, reason string) error {
	msg, err := ipc.NewNotification(ipc.MethodCancel, ipc.CancelRequest{UnitID: unitID, Reason: reason})
	if err != nil {
		return err
	}
	return i.channel.Notify(msg)
}

// Ping checks that the worker answers within timeout.
func (i *Instance) Ping(ctx context.Context, timeout time.Duration) (ipc.Pong, error) {
	var pong ipc.Pong
	err := i.channel.Request(ctx, ipc.MethodPing, nil, &pong, timeout)
	return pong, err
}
