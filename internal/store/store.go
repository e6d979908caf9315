// Package store persists batch snapshots and per-batch audit logs so a batch
// can be inspected after the process exits and resumed later.
//
// Layout under the state root:
//
//	<root>/<batchID>/batch.json    latest snapshot, replaced atomically
//	<root>/<batchID>/events.jsonl  append-only status event log
//	<root>/<batchID>/batch.lock    advisory lock guarding both files
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/task"
)

const snapshotFileName = "batch.json"

// Snapshot is the persisted state of one batch.
type Snapshot struct {
	BatchID          string                 `json:"batch_id"`
	Strategy         task.Strategy          `json:"strategy"`
	ConcurrencyLimit int                    `json:"concurrency_limit,omitempty"`
	TolerateFailure  bool                   `json:"tolerate_failure,omitempty"`
	Units            []task.WorkUnit        `json:"units"`
	Statuses         map[string]task.Status `json:"statuses"`
	// Results holds terminal results in the order units finished.
	Results   []task.TaskResult `json:"results,omitempty"`
	Done      bool              `json:"done"`
	Success   bool              `json:"success,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// NewSnapshot creates a snapshot for a freshly submitted batch with every
// unit pending.
func NewSnapshot(b task.Batch) *Snapshot {
	now := time.Now()
	s := &Snapshot{
		BatchID:          b.ID,
		Strategy:         b.Strategy,
		ConcurrencyLimit: b.ConcurrencyLimit,
		TolerateFailure:  b.TolerateFailure,
		Units:            make([]task.WorkUnit, len(b.Units)),
		Statuses:         make(map[string]task.Status, len(b.Units)),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for i, u := range b.Units {
		s.Units[i] = u.Clone()
		s.Statuses[u.ID] = task.StatusPending
	}
	return s
}

// Batch rebuilds the submitted batch.
func (s *Snapshot) Batch() task.Batch {
	units := make([]task.WorkUnit, len(s.Units))
	for i, u := range s.Units {
		units[i] = u.Clone()
	}
	return task.Batch{
		ID:               s.BatchID,
		Units:            units,
		ConcurrencyLimit: s.ConcurrencyLimit,
		Strategy:         s.Strategy,
		TolerateFailure:  s.TolerateFailure,
	}
}

// Record stores a terminal result and the matching status.
func (s *Snapshot) Record(res task.TaskResult) {
	s.Results = append(s.Results, res)
	s.Statuses[res.UnitID] = res.Status.Status()
}

// Completed returns the results of units that finished successfully.
func (s *Snapshot) Completed() []task.TaskResult {
	var out []task.TaskResult
	for _, r := range s.Results {
		if r.Succeeded() {
			out = append(out, r)
		}
	}
	return out
}

// Counts tallies units by status.
func (s *Snapshot) Counts() map[task.Status]int {
	counts := make(map[task.Status]int)
	for _, st := range s.Statuses {
		counts[st]++
	}
	return counts
}

// Store reads and writes batch state under a root directory.
type Store struct {
	root string
}

// New creates a Store rooted at root. The directory is created on first save.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the state root directory.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory holding batchID's state.
func (s *Store) Dir(batchID string) (string, error) {
	if err := task.ValidateID("batch", batchID); err != nil {
		return "", errors.NewValidationError(err.Error()).WithField("batch_id")
	}
	return filepath.Join(s.root, batchID), nil
}

// Save writes snap atomically. The write goes to a temporary file that is
// renamed into place while the batch lock is held.
func (s *Store) Save(snap *Snapshot) error {
	dir, err := s.Dir(snap.BatchID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create batch dir: %w", err)
	}

	fl := NewFileLock(dir)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	snap.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	target := filepath.Join(dir, snapshotFileName)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Load reads the snapshot of batchID. A batch with no snapshot yields an
// error matching errors.ErrBatchNotFound.
func (s *Store) Load(batchID string) (*Snapshot, error) {
	dir, err := s.Dir(batchID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", errors.ErrBatchNotFound, batchID)
	}

	fl := NewFileLock(dir)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	data, err := os.ReadFile(filepath.Join(dir, snapshotFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errors.ErrBatchNotFound, batchID)
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap.Statuses == nil {
		snap.Statuses = make(map[string]task.Status)
	}
	return &snap, nil
}

// List returns every readable snapshot, newest first. Directories without a
// snapshot are skipped.
func (s *Store) List() ([]*Snapshot, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state dir: %w", err)
	}

	var out []*Snapshot
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		snap, err := s.Load(e.Name())
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Remove deletes all persisted state for batchID.
func (s *Store) Remove(batchID string) error {
	dir, err := s.Dir(batchID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}
