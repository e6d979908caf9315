package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/Iron-Ham/swarm/internal/task"
)

// Kind identifies the role of a message on the wire.
type Kind string

const (
	// KindRequest expects exactly one KindResponse carrying the same ID.
	KindRequest Kind = "request"
	// KindResponse answers a request.
	KindResponse Kind = "response"
	// KindNotify is a fire-and-forget control message to the worker.
	KindNotify Kind = "notify"
	// KindEvent is an unsolicited message from the worker.
	KindEvent Kind = "event"
)

// Methods understood by workers.
const (
	MethodExecute    = "execute"
	MethodPing       = "ping"
	MethodCancel     = "cancel"
	MethodModeSwitch = "mode.switch"
	MethodShutdown   = "shutdown"
)

// Events emitted by workers.
const (
	EventStatus   = "status"
	EventObserved = "observed"
)

// Message is one JSON line exchanged between the orchestrator and a worker.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Kind    Kind            `json:"kind"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Method, err)
	}
	return nil
}

func newMessage(kind Kind, method string, payload any) (Message, error) {
	m := Message{Kind: kind, Method: method}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", method, err)
		}
		m.Payload = data
	}
	return m, nil
}

// NewRequest builds a request. The correlation ID is assigned by Channel.Send.
func NewRequest(method string, payload any) (Message, error) {
	return newMessage(KindRequest, method, payload)
}

// NewNotification builds a fire-and-forget message.
func NewNotification(method string, payload any) (Message, error) {
	return newMessage(KindNotify, method, payload)
}

// NewEvent builds an unsolicited worker event.
func NewEvent(method string, payload any) (Message, error) {
	return newMessage(KindEvent, method, payload)
}

// NewResponse builds the response to req. A non-nil handlerErr is carried in
// the Error field and the payload is omitted.
func NewResponse(req Message, payload any, handlerErr error) (Message, error) {
	if handlerErr != nil {
		return Message{ID: req.ID, Kind: KindResponse, Method: req.Method, Error: handlerErr.Error()}, nil
	}
	m, err := newMessage(KindResponse, req.Method, payload)
	if err != nil {
		return Message{}, err
	}
	m.ID = req.ID
	return m, nil
}

// ExecuteRequest asks a worker to run one unit.
type ExecuteRequest struct {
	UnitID       string   `json:"unit_id"`
	BatchID      string   `json:"batch_id,omitempty"`
	Instruction  string   `json:"instruction"`
	WorkDir      string   `json:"work_dir,omitempty"`
	Mode         string   `json:"mode,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Attempt      int      `json:"attempt"`
}

// ExecuteResponse is the worker's answer to an ExecuteRequest.
type ExecuteResponse struct {
	Status  task.Outcome `json:"status"`
	Output  string       `json:"output,omitempty"`
	Metrics task.Metrics `json:"metrics"`
	Error   string       `json:"error,omitempty"`
}

// CancelRequest asks the worker to stop a unit. An empty UnitID cancels everything.
type CancelRequest struct {
	UnitID string `json:"unit_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ModeSwitch tells the worker its new mode.
type ModeSwitch struct {
	Mode         string   `json:"mode"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// StatusEvent is a progress report streamed while a unit runs.
type StatusEvent struct {
	UnitID  string `json:"unit_id"`
	Message string `json:"message"`
}

// ObservedEvent reports a filesystem operation a unit performed, relative to
// its working directory.
type ObservedEvent struct {
	UnitID    string         `json:"unit_id"`
	Operation task.Operation `json:"operation"`
}

// Pong answers a ping.
type Pong struct {
	WorkerID string `json:"worker_id,omitempty"`
	Mode     string `json:"mode,omitempty"`
	Busy     bool   `json:"busy"`
}
