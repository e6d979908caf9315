package ipc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/logging"
)

// ErrRemote is wrapped by errors a worker reported for a request it could
// not handle.
var ErrRemote = errors.New("remote error")

// Dialer re-establishes a transport after the previous one failed.
type Dialer func(ctx context.Context) (Transport, error)

type connState int

const (
	stateConnected connState = iota
	stateReconnecting
	stateClosed
)

type reply struct {
	msg Message
	err error
}

// Channel is a full-duplex, request/response connection to one worker.
//
// Requests are matched to responses by correlation ID, so responses may
// arrive in any order. Unsolicited events go to subscribers and never
// resolve a request. A Channel is safe for concurrent use.
type Channel struct {
	workerID string
	logger   *logging.Logger
	dialer   Dialer
	attempts int
	initial  time.Duration
	maxDelay time.Duration
	onLost   func(error)

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	transport Transport
	state     connState
	closeErr  error
	pending   map[string]chan reply
	subs      map[int]func(Message)
	nextSub   int

	done chan struct{}
}

// NewChannel wraps t and starts reading from it.
func NewChannel(workerID string, t Transport, opts ...Option) *Channel {
	cfg := &config{
		logger:         logging.NopLogger(),
		backoffInitial: defaultBackoffInitial,
		backoffMax:     defaultBackoffMax,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		workerID:  workerID,
		logger:    cfg.logger.WithInstance(workerID),
		dialer:    cfg.dialer,
		attempts:  cfg.reconnectAttempts,
		initial:   cfg.backoffInitial,
		maxDelay:  cfg.backoffMax,
		onLost:    cfg.onLost,
		ctx:       ctx,
		cancel:    cancel,
		transport: t,
		pending:   make(map[string]chan reply),
		subs:      make(map[int]func(Message)),
		done:      make(chan struct{}),
	}
	go c.readLoop(t)
	return c
}

// WorkerID returns the id of the worker on the other end.
func (c *Channel) WorkerID() string {
	return c.workerID
}

// Send transmits msg as a request and waits for the correlated response.
// A timeout of zero waits until ctx is done or the channel closes.
func (c *Channel) Send(ctx context.Context, msg Message, timeout time.Duration) (Message, error) {
	msg.Kind = KindRequest
	msg.ID = uuid.NewString()

	ch := make(chan reply, 1)
	c.mu.Lock()
	switch c.state {
	case stateClosed:
		cause := c.closeErr
		c.mu.Unlock()
		return Message{}, c.requestError("channel is closed", cause, msg.ID)
	case stateReconnecting:
		c.mu.Unlock()
		return Message{}, c.requestError("channel is reconnecting", errors.ErrChannelDisconnected, msg.ID)
	}
	c.pending[msg.ID] = ch
	t := c.transport
	c.mu.Unlock()

	if err := t.Send(msg); err != nil {
		c.forget(msg.ID)
		return Message{}, c.requestError("send failed", fmt.Errorf("%w: %v", errors.ErrChannelDisconnected, err), msg.ID)
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return Message{}, r.err
		}
		if r.msg.Error != "" {
			return r.msg, fmt.Errorf("%w: %s: %s", ErrRemote, msg.Method, r.msg.Error)
		}
		return r.msg, nil
	case <-timeoutCh:
		c.forget(msg.ID)
		return Message{}, c.requestError(fmt.Sprintf("no response to %s within %s", msg.Method, timeout), errors.ErrRequestTimeout, msg.ID)
	case <-ctx.Done():
		c.forget(msg.ID)
		return Message{}, ctx.Err()
	}
}

// Request encodes payload, sends it with Send and decodes the response into out.
func (c *Channel) Request(ctx context.Context, method string, payload, out any, timeout time.Duration) error {
	msg, err := NewRequest(method, payload)
	if err != nil {
		return err
	}
	resp, err := c.Send(ctx, msg, timeout)
	if err != nil {
		return err
	}
	if out != nil {
		return resp.Decode(out)
	}
	return nil
}

// Notify sends msg without waiting for a response.
func (c *Channel) Notify(msg Message) error {
	msg.Kind = KindNotify
	msg.ID = ""

	c.mu.Lock()
	state, t, cause := c.state, c.transport, c.closeErr
	c.mu.Unlock()

	switch state {
	case stateClosed:
		return c.requestError("channel is closed", cause, "")
	case stateReconnecting:
		return c.requestError("channel is reconnecting", errors.ErrChannelDisconnected, "")
	}
	if err := t.Send(msg); err != nil {
		return c.requestError("notify failed", fmt.Errorf("%w: %v", errors.ErrChannelDisconnected, err), "")
	}
	return nil
}

// Subscribe registers fn for unsolicited events. fn runs on the reader
// goroutine and must not block. The returned function unsubscribes.
func (c *Channel) Subscribe(fn func(Message)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Pending returns the number of requests awaiting a response.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed once the channel is closed or failed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the cause the channel was closed with, or nil while open.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close rejects every pending request with ErrChannelClosed and releases
// the transport. It is idempotent.
func (c *Channel) Close() error {
	c.Fail(errors.ErrChannelClosed)
	return nil
}

// Fail closes the channel, rejecting pending requests with cause.
// Only the first call has an effect.
func (c *Channel) Fail(cause error) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	c.closeErr = cause
	pending := c.pending
	c.pending = make(map[string]chan reply)
	t := c.transport
	c.mu.Unlock()

	c.cancel()
	for id, ch := range pending {
		ch <- reply{err: c.requestError("request aborted", cause, id)}
	}
	if t != nil {
		_ = t.Close()
	}
	close(c.done)
	c.logger.Debug("channel closed", "cause", cause, "rejected", len(pending))
}

func (c *Channel) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Channel) requestError(message string, cause error, correlationID string) error {
	return errors.NewChannelError(message, cause).
		WithWorkerID(c.workerID).
		WithCorrelationID(correlationID)
}

func (c *Channel) readLoop(t Transport) {
	for {
		msg, err := t.Recv()
		if err != nil {
			next, ok := c.reconnect(err)
			if !ok {
				return
			}
			t = next
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Channel) dispatch(msg Message) {
	switch msg.Kind {
	case KindResponse:
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("dropping uncorrelated response", "correlation_id", msg.ID, "method", msg.Method)
			return
		}
		ch <- reply{msg: msg}

	case KindEvent:
		c.mu.Lock()
		subs := make([]func(Message), 0, len(c.subs))
		for _, fn := range c.subs {
			subs = append(subs, fn)
		}
		c.mu.Unlock()
		for _, fn := range subs {
			fn(msg)
		}

	default:
		c.logger.Debug("ignoring unexpected message", "kind", msg.Kind, "method", msg.Method)
	}
}

// reconnect handles a read failure. With a dialer the transport is redialed
// with exponential backoff while pending requests stay registered. A loss
// that cannot be repaired goes to the onLost hook, or fails the channel.
func (c *Channel) reconnect(readErr error) (Transport, bool) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil, false
	}
	if c.dialer == nil || c.attempts <= 0 {
		c.mu.Unlock()
		c.logger.Debug("transport lost", "error", readErr)
		if c.onLost != nil {
			c.onLost(readErr)
		} else {
			c.Fail(fmt.Errorf("%w: %v", errors.ErrChannelClosed, readErr))
		}
		return nil, false
	}
	c.state = stateReconnecting
	old := c.transport
	c.mu.Unlock()

	_ = old.Close()
	c.logger.Warn("transport lost, reconnecting", "error", readErr, "attempts", c.attempts)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxInterval = c.maxDelay
	b.MaxElapsedTime = 0

	var next Transport
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		t, err := c.dialer(c.ctx)
		if err != nil {
			c.logger.Debug("redial failed", "attempt", attempt, "error", err)
			if errors.Is(err, errors.ErrChannelClosed) {
				// The peer is gone for good.
				return backoff.Permanent(err)
			}
			return err
		}
		next = t
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.attempts-1)), c.ctx))

	if err != nil {
		lost := fmt.Errorf("%w: reconnect failed after %d attempts: %v", errors.ErrChannelClosed, attempt, err)
		if c.onLost != nil {
			c.onLost(lost)
		} else {
			c.Fail(lost)
		}
		return nil, false
	}

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		_ = next.Close()
		return nil, false
	}
	c.transport = next
	c.state = stateConnected
	c.mu.Unlock()

	c.logger.Info("transport reconnected", "attempt", attempt)
	return next, true
}
