package orchestrator

import (
	"github.com/Iron-Ham/swarm/internal/event"
	"github.com/Iron-Ham/swarm/internal/logging"
	"github.com/Iron-Ham/swarm/internal/store"
	"github.com/Iron-Ham/swarm/internal/workspace"
)

// ModeOwner is the arena id of the orchestrator's own mode context.
const ModeOwner = "orchestrator"

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	logger    *logging.Logger
	bus       *event.Bus
	store     *store.Store
	workspace *workspace.Layout
	root      string
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithBus sets the bus every component publishes on.
func WithBus(b *event.Bus) Option {
	return func(o *options) {
		if b != nil {
			o.bus = b
		}
	}
}

// WithStore persists batch snapshots and audit logs. Without a store
// batches cannot be resumed.
func WithStore(s *store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithWorkspace gives every unit its own working directory. When the
// configuration enables watching, those directories are observed for the
// operations units actually perform.
func WithWorkspace(l *workspace.Layout) Option {
	return func(o *options) { o.workspace = l }
}

// WithProjectRoot sets the directory relative operation paths are resolved
// against. It defaults to the working directory.
func WithProjectRoot(dir string) Option {
	return func(o *options) { o.root = dir }
}
