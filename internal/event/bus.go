package event

import (
	"fmt"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/Iron-Ham/swarm/internal/logging"
)

// Handler is a function that handles an event.
type Handler func(Event)

// SubscriptionID identifies a registered handler.
type SubscriptionID uint64

// Filter selects the events a handler receives. The zero Filter matches
// every event.
type Filter struct {
	// Types limits delivery to these event types. Empty means all types.
	Types []string
	// BatchID limits delivery to events of one batch. Events that belong to
	// no batch, such as worker lifecycle events, never match a batch filter.
	BatchID string
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e Event) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.EventType()) {
		return false
	}
	if f.BatchID != "" {
		id, ok := BatchOf(e)
		return ok && id == f.BatchID
	}
	return true
}

type subscription struct {
	id      SubscriptionID
	filter  Filter
	handler Handler
}

// Bus is a synchronous pub-sub bus for scheduling events. The scheduler,
// pool and orchestrator publish; the audit recorder, the CLI and tests
// subscribe, usually to a single batch.
type Bus struct {
	logger *logging.Logger

	mu     sync.RWMutex
	subs   []subscription // registration order
	nextID SubscriptionID
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the logger that reports panicking handlers.
func WithLogger(l *logging.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SubscribeFilter registers handler for events matching f.
func (b *Bus) SubscribeFilter(f Filter, handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs = append(b.subs, subscription{id: b.nextID, filter: f, handler: handler})
	return b.nextID
}

// Subscribe registers handler for one event type across all batches.
func (b *Bus) Subscribe(eventType string, handler Handler) SubscriptionID {
	return b.SubscribeFilter(Filter{Types: []string{eventType}}, handler)
}

// SubscribeAll registers handler for every event.
func (b *Bus) SubscribeAll(handler Handler) SubscriptionID {
	return b.SubscribeFilter(Filter{}, handler)
}

// SubscribeBatch registers handler for every event of one batch, from
// batch.submitted through batch.completed.
func (b *Bus) SubscribeBatch(batchID string, handler Handler) SubscriptionID {
	return b.SubscribeFilter(Filter{BatchID: batchID}, handler)
}

// Unsubscribe removes a subscription. It reports whether id was registered.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := slices.IndexFunc(b.subs, func(s subscription) bool { return s.id == id })
	if i < 0 {
		return false
	}
	b.subs = slices.Delete(b.subs, i, i+1)
	return true
}

// Publish delivers e to every matching handler in registration order, on
// the calling goroutine. A panicking handler is logged and skipped.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	targets := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter.Matches(e) {
			targets = append(targets, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		b.deliver(h, e)
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			batchID, _ := BatchOf(e)
			b.logger.Error("event handler panicked",
				"event", e.EventType(),
				"batch_id", batchID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	h(e)
}

// Subscribers returns how many subscriptions would receive events of the
// given batch. An empty batchID counts every subscription.
func (b *Bus) Subscribers(batchID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if batchID == "" {
		return len(b.subs)
	}
	n := 0
	for _, s := range b.subs {
		if s.filter.BatchID == "" || s.filter.BatchID == batchID {
			n++
		}
	}
	return n
}
