// Package mode tracks which operating mode each worker instance is in.
//
// Every instance owns exactly one [Context]; switching the mode of one
// instance never affects another. Contexts are addressed by owner id through
// an [Arena], so there is no process-wide "current mode". A mode maps to an
// opaque [CapabilitySet]; the orchestration core never interprets individual
// capability names.
package mode

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrUnknownMode is returned when switching to a mode with no registered capability set.
	ErrUnknownMode = errors.New("unknown mode")

	// ErrContextExists is returned when creating a second context for the same owner.
	ErrContextExists = errors.New("mode context already exists")

	// ErrNoContext is returned when no context exists for an owner.
	ErrNoContext = errors.New("no mode context")
)

// Mode names an operating mode, e.g. "plan" or "edit".
type Mode string

// Built-in modes registered by DefaultRegistry.
const (
	Default Mode = "default"
	Plan    Mode = "plan"
	Edit    Mode = "edit"
	Review  Mode = "review"
)

// CapabilitySet is an opaque description of what a mode permits.
type CapabilitySet interface {
	Allows(capability string) bool
	List() []string
}

// Capabilities is a simple set-backed CapabilitySet.
type Capabilities struct {
	set map[string]struct{}
}

// NewCapabilities builds a Capabilities from names.
func NewCapabilities(names ...string) Capabilities {
	c := Capabilities{set: make(map[string]struct{}, len(names))}
	for _, n := range names {
		c.set[n] = struct{}{}
	}
	return c
}

// Allows reports whether capability is in the set.
func (c Capabilities) Allows(capability string) bool {
	_, ok := c.set[capability]
	return ok
}

// List returns the capabilities sorted by name.
func (c Capabilities) List() []string {
	out := make([]string, 0, len(c.set))
	for n := range c.set {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// Registry maps modes to capability sets. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	modes map[Mode]CapabilitySet
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{modes: make(map[Mode]CapabilitySet)}
}

// DefaultRegistry returns a Registry with the built-in modes.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Default, NewCapabilities("read_file", "write_file", "exec_cmd"))
	r.Register(Plan, NewCapabilities("read_file"))
	r.Register(Edit, NewCapabilities("read_file", "write_file"))
	r.Register(Review, NewCapabilities("read_file", "exec_cmd"))
	return r
}

// Register adds or replaces the capability set for m.
func (r *Registry) Register(m Mode, caps CapabilitySet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modes[m] = caps
}

// Lookup returns the capability set for m.
func (r *Registry) Lookup(m Mode) (CapabilitySet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps, ok := r.modes[m]
	return caps, ok
}

// Context holds the mode state of a single owner.
type Context struct {
	owner    string
	registry *Registry

	mu      sync.RWMutex
	current Mode
	caps    CapabilitySet
}

// NewContext creates a Context for owner starting in initial.
func NewContext(owner string, registry *Registry, initial Mode) (*Context, error) {
	caps, ok := registry.Lookup(initial)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, initial)
	}
	return &Context{owner: owner, registry: registry, current: initial, caps: caps}, nil
}

// Owner returns the id of the instance owning this context.
func (c *Context) Owner() string {
	return c.owner
}

// Registry returns the registry modes are resolved against.
func (c *Context) Registry() *Registry {
	return c.registry
}

// Current returns the active mode.
func (c *Context) Current() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Capabilities returns the capability set of the active mode.
func (c *Context) Capabilities() CapabilitySet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caps
}

// Switch changes the active mode and returns the previous one.
func (c *Context) Switch(m Mode) (Mode, error) {
	caps, ok := c.registry.Lookup(m)
	if !ok {
		return c.Current(), fmt.Errorf("%w: %s", ErrUnknownMode, m)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.current
	c.current = m
	c.caps = caps
	return prev, nil
}

// Arena owns the mode contexts of every live instance, keyed by owner id.
type Arena struct {
	registry *Registry

	mu       sync.Mutex
	contexts map[string]*Context
}

// NewArena creates an Arena whose contexts resolve modes through registry.
func NewArena(registry *Registry) *Arena {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Arena{registry: registry, contexts: make(map[string]*Context)}
}

// Registry returns the registry backing the arena.
func (a *Arena) Registry() *Registry {
	return a.registry
}

// Create allocates the context for owner.
func (a *Arena) Create(owner string, initial Mode) (*Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.contexts[owner]; exists {
		return nil, fmt.Errorf("%w: %s", ErrContextExists, owner)
	}
	ctx, err := NewContext(owner, a.registry, initial)
	if err != nil {
		return nil, err
	}
	a.contexts[owner] = ctx
	return ctx, nil
}

// Get returns the context for owner.
func (a *Arena) Get(owner string) (*Context, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ctx, ok := a.contexts[owner]
	return ctx, ok
}

// Switch changes the mode of owner's context only.
func (a *Arena) Switch(owner string, m Mode) (Mode, error) {
	ctx, ok := a.Get(owner)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoContext, owner)
	}
	return ctx.Switch(m)
}

// Current returns owner's active mode.
func (a *Arena) Current(owner string) (Mode, error) {
	ctx, ok := a.Get(owner)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoContext, owner)
	}
	return ctx.Current(), nil
}

// Remove drops owner's context.
func (a *Arena) Remove(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.contexts, owner)
}

// Len returns the number of live contexts.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.contexts)
}
