package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Iron-Ham/swarm/internal/event"
)

const auditFileName = "events.jsonl"

// AuditRecord is one line of a batch audit log.
type AuditRecord struct {
	Type  string          `json:"type"`
	Time  time.Time       `json:"time"`
	Event json.RawMessage `json:"event"`
}

// AuditLog appends status events for one batch to events.jsonl. It is safe
// for concurrent use; each event is written as a single line.
type AuditLog struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

// OpenAudit opens (or creates) the audit log of batchID for appending.
func (s *Store) OpenAudit(batchID string) (*AuditLog, error) {
	dir, err := s.Dir(batchID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create batch dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, auditFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLog{file: f, w: bufio.NewWriter(f)}, nil
}

// Append writes ev and flushes it to disk.
func (a *AuditLog) Append(ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.EventType(), err)
	}
	line, err := json.Marshal(AuditRecord{
		Type:  ev.EventType(),
		Time:  ev.Timestamp(),
		Event: payload,
	})
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return fmt.Errorf("audit log closed")
	}
	if _, err := a.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return a.w.Flush()
}

// Close flushes and closes the log. Closing twice is a no-op.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	flushErr := a.w.Flush()
	closeErr := a.file.Close()
	a.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// ReadAudit returns the audit records of batchID in the order written. Lines
// that do not decode, such as one truncated by a crash mid-write, are skipped.
func (s *Store) ReadAudit(batchID string) ([]AuditRecord, error) {
	dir, err := s.Dir(batchID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, auditFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []AuditRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var rec AuditRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read audit log: %w", err)
	}
	return out, nil
}
