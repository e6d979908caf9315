package worker

import (
	"github.com/Iron-Ham/swarm/internal/logging"
	"github.com/Iron-Ham/swarm/internal/mode"
)

// Option configures Serve.
type Option func(*config)

type config struct {
	id       string
	logger   *logging.Logger
	registry *mode.Registry
}

// WithWorkerID sets the id the worker reports in pongs and logs.
func WithWorkerID(id string) Option {
	return func(c *config) {
		if id != "" {
			c.id = id
		}
	}
}

// WithLogger sets the logger for the worker.
func WithLogger(logger *logging.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithModeRegistry sets the registry modes are resolved against.
func WithModeRegistry(r *mode.Registry) Option {
	return func(c *config) {
		if r != nil {
			c.registry = r
		}
	}
}
