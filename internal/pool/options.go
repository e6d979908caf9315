package pool

import (
	"time"

	"github.com/Iron-Ham/swarm/internal/config"
	"github.com/Iron-Ham/swarm/internal/event"
	"github.com/Iron-Ham/swarm/internal/ipc"
	"github.com/Iron-Ham/swarm/internal/logging"
	"github.com/Iron-Ham/swarm/internal/mode"
)

// Config bounds the pool.
type Config struct {
	// MaxWorkers is the maximum number of live instances, including those
	// still spawning.
	MaxWorkers int
	// IdleTimeout terminates instances idle longer than this. Zero keeps
	// them until shutdown.
	IdleTimeout time.Duration
	// AcquireTimeout bounds how long Acquire waits. Zero waits until the
	// caller's context is done.
	AcquireTimeout time.Duration
	// GracePeriod is how long a worker gets to exit after being asked to.
	GracePeriod time.Duration
	// HealthInterval is how often idle instances are pinged. Zero disables
	// health checks.
	HealthInterval time.Duration
	HealthTimeout  time.Duration
}

// DefaultConfig returns the defaults used when no configuration is given.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:     4,
		IdleTimeout:    time.Minute,
		AcquireTimeout: 5 * time.Minute,
		GracePeriod:    10 * time.Second,
		HealthInterval: 30 * time.Second,
		HealthTimeout:  2 * time.Second,
	}
}

// ConfigFrom converts the pool section of the application config.
func ConfigFrom(c config.PoolConfig) Config {
	return Config{
		MaxWorkers:     c.MaxWorkers,
		IdleTimeout:    c.IdleTimeout(),
		AcquireTimeout: c.AcquireTimeout(),
		GracePeriod:    c.GracePeriod(),
		HealthInterval: c.HealthInterval(),
		HealthTimeout:  c.HealthTimeout(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = d.HealthTimeout
	}
	return c
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	logger      *logging.Logger
	bus         *event.Bus
	arena       *mode.Arena
	channelOpts []ipc.Option
	reconnects  int
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithBus sets the bus worker lifecycle events are published on.
func WithBus(b *event.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithArena sets the arena instance mode contexts are allocated from.
func WithArena(a *mode.Arena) Option {
	return func(o *options) { o.arena = a }
}

// WithChannelOptions adds options to every instance channel.
func WithChannelOptions(opts ...ipc.Option) Option {
	return func(o *options) { o.channelOpts = append(o.channelOpts, opts...) }
}

// WithReconnect lets channels to redialable workers reconnect up to
// attempts times before the worker is treated as crashed.
func WithReconnect(attempts int) Option {
	return func(o *options) {
		o.reconnects = attempts
	}
}
