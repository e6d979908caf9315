package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// maxLineSize bounds a single JSON line. Unit output is carried inline, so
// the limit is generous.
const maxLineSize = 16 * 1024 * 1024

// Transport moves whole messages between two endpoints. Send may be called
// concurrently; Recv is called from a single reader goroutine.
type Transport interface {
	Send(Message) error
	Recv() (Message, error)
	Close() error
}

// StreamTransport frames messages as JSON lines over a byte stream, such as
// a worker process's stdin/stdout or one end of a net.Pipe.
type StreamTransport struct {
	scanner *bufio.Scanner
	closer  io.Closer

	wmu sync.Mutex
	w   io.Writer

	closeOnce sync.Once
	closeErr  error
}

// NewStreamTransport creates a transport reading from r and writing to w.
// closer, when non-nil, is closed by Close and should unblock pending reads.
func NewStreamTransport(r io.Reader, w io.Writer, closer io.Closer) *StreamTransport {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &StreamTransport{scanner: s, w: w, closer: closer}
}

// Send writes msg as a single line.
func (t *StreamTransport) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	data = append(data, '\n')

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Recv reads the next message. Blank lines are skipped. It returns io.EOF
// when the stream ends cleanly.
func (t *StreamTransport) Recv() (Message, error) {
	for t.scanner.Scan() {
		line := t.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Message{}, fmt.Errorf("decode message: %w", err)
		}
		return msg, nil
	}
	if err := t.scanner.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}

// Close releases the underlying stream. It is idempotent.
func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		if t.closer != nil {
			t.closeErr = t.closer.Close()
		}
	})
	return t.closeErr
}

// Pipe returns two connected in-memory transports.
func Pipe() (Transport, Transport) {
	a, b := net.Pipe()
	return NewStreamTransport(a, a, a), NewStreamTransport(b, b, b)
}

// IsClosed reports whether err signals that a transport was closed or its
// peer went away.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
