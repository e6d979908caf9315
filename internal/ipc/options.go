package ipc

import (
	"time"

	"github.com/Iron-Ham/swarm/internal/logging"
)

const (
	defaultBackoffInitial = 200 * time.Millisecond
	defaultBackoffMax     = 5 * time.Second
)

// Option configures a Channel.
type Option func(*config)

type config struct {
	logger            *logging.Logger
	dialer            Dialer
	reconnectAttempts int
	backoffInitial    time.Duration
	backoffMax        time.Duration
	onLost            func(error)
}

// WithLogger sets the logger for the channel.
func WithLogger(logger *logging.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithReconnect enables redialing a failed transport up to attempts times.
// A dialer error wrapping errors.ErrChannelClosed stops the retries early.
func WithReconnect(d Dialer, attempts int) Option {
	return func(c *config) {
		c.dialer = d
		c.reconnectAttempts = attempts
	}
}

// WithBackoff sets the initial and maximum delay between redial attempts.
// Non-positive values keep the defaults.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(c *config) {
		if initial > 0 {
			c.backoffInitial = initial
		}
		if maxDelay > 0 {
			c.backoffMax = maxDelay
		}
	}
}

// WithOnLost is called, instead of failing the channel, when the transport
// breaks and cannot be redialed. The owner is expected to call Fail with the
// appropriate cause.
func WithOnLost(fn func(error)) Option {
	return func(c *config) {
		c.onLost = fn
	}
}
