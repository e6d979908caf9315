package orchestrator

import (
	"sync"

	"github.com/Iron-Ham/swarm/internal/event"
	"github.com/Iron-Ham/swarm/internal/logging"
	"github.com/Iron-Ham/swarm/internal/store"
)

// recorder writes a batch's events to its audit log. Events that arrive
// before the log is attached are held and written on attach.
type recorder struct {
	bus    *event.Bus
	sub    event.SubscriptionID
	logger *logging.Logger

	mu      sync.Mutex
	audit   *store.AuditLog
	pending []event.Event
}

// newRecorder subscribes a recorder to batchID's events on bus.
func newRecorder(bus *event.Bus, batchID string, logger *logging.Logger) *recorder {
	r := &recorder{bus: bus, logger: logger}
	r.sub = bus.SubscribeBatch(batchID, r.handle)
	return r
}

func (r *recorder) handle(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.audit == nil {
		r.pending = append(r.pending, ev)
		return
	}
	r.append(ev)
}

func (r *recorder) attach(audit *store.AuditLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = audit
	for _, ev := range r.pending {
		r.append(ev)
	}
	r.pending = nil
}

// append writes ev. Callers hold r.mu.
func (r *recorder) append(ev event.Event) {
	if err := r.audit.Append(ev); err != nil {
		r.logger.Warn("writing audit record", "type", ev.EventType(), "error", err)
	}
}

// close unsubscribes and closes the audit log.
func (r *recorder) close() error {
	r.bus.Unsubscribe(r.sub)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = nil
	if r.audit == nil {
		return nil
	}
	return r.audit.Close()
}
