package pool

import (
	"context"

	"github.com/Iron-Ham/swarm/internal/ipc"
)

// SpawnSpec describes the worker to start.
type SpawnSpec struct {
	ID    string
	Class string
	// Env entries (KEY=VALUE) added to the worker environment.
	Env []string
}

// Process is a running worker as seen by the pool.
type Process interface {
	// Transport carries the worker protocol.
	Transport() ipc.Transport
	// Done is closed when the worker has exited.
	Done() <-chan struct{}
	// Err returns the exit error once Done is closed.
	Err() error
	// Kill stops the worker immediately.
	Kill() error
}

// Redialer is implemented by processes whose connection can be
// re-established without restarting the worker. The pool redials them
// instead of treating a broken transport as a crash.
type Redialer interface {
	Redial(ctx context.Context) (ipc.Transport, error)
}

// Spawner starts workers.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context, spec SpawnSpec) (Process, error)

// Spawn calls f.
func (f SpawnerFunc) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	return f(ctx, spec)
}
