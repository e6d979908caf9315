package conflict

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/swarm/internal/logging"
	"github.com/Iron-Ham/swarm/internal/task"
)

// ObservedConflict is a workspace-relative path touched by more than one running unit.
type ObservedConflict struct {
	RelativePath string
	UnitIDs      []string
	LastModified time.Time
}

// Watcher records the filesystem operations units actually perform inside
// their workspaces. Paths are tracked relative to each unit's workspace so
// that the same file in two workspaces compares equal.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   *logging.Logger
	debounce time.Duration
	ignore   []string

	mu sync.RWMutex
	// unit ID -> workspace directory
	units map[string]string
	// relative path -> unit ID -> last modification
	modifications map[string]map[string]time.Time
	conflicts     []ObservedConflict

	onObserved func(unitID string, op task.Operation)
	onConflict func([]ObservedConflict)

	started   bool
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long bursts of events for a path are coalesced.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithIgnorePaths replaces the path segments that are never reported.
func WithIgnorePaths(segments []string) WatcherOption {
	return func(w *Watcher) {
		w.ignore = slices.Clone(segments)
	}
}

// WithWatcherLogger sets the logger used for watcher errors.
func WithWatcherLogger(l *logging.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = l
	}
}

// NewWatcher creates a Watcher. Call Start to begin processing events.
func NewWatcher(opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:       fw,
		logger:        logging.NopLogger(),
		debounce:      50 * time.Millisecond,
		ignore:        []string{".git", "node_modules", ".DS_Store"},
		units:         make(map[string]string),
		modifications: make(map[string]map[string]time.Time),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// OnObserved registers a callback invoked for every recorded operation.
// The operation path is relative to the unit's workspace.
func (w *Watcher) OnObserved(cb func(unitID string, op task.Operation)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onObserved = cb
}

// OnConflict registers a callback invoked when the set of observed conflicts changes.
func (w *Watcher) OnConflict(cb func([]ObservedConflict)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onConflict = cb
}

// AddUnit starts watching dir on behalf of unitID.
func (w *Watcher) AddUnit(unitID, dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("workspace does not exist: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace %s is not a directory", dir)
	}

	w.mu.Lock()
	w.units[unitID] = filepath.Clean(dir)
	w.mu.Unlock()

	return w.watchRecursive(dir)
}

// watchRecursive adds dir and its subdirectories, skipping ignored segments.
func (w *Watcher) watchRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if path != root && slices.Contains(w.ignore, info.Name()) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			if path == root {
				return err
			}
			w.logger.Debug("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// RemoveUnit stops watching a unit and forgets its modifications.
func (w *Watcher) RemoveUnit(unitID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir, ok := w.units[unitID]
	if !ok {
		return
	}
	delete(w.units, unitID)
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.IsDir() {
			_ = w.watcher.Remove(path)
		}
		return nil
	})

	for rel, units := range w.modifications {
		delete(units, unitID)
		if len(units) == 0 {
			delete(w.modifications, rel)
		}
	}
	w.recalculate()
}

// Start begins processing filesystem events. It is safe to call more than once.
func (w *Watcher) Start() {
	w.startOnce.Do(func() {
		w.mu.Lock()
		w.started = true
		w.mu.Unlock()
		go w.loop()
	})
}

// Stop stops the watcher and releases its resources. It is idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()

		w.mu.RLock()
		started := w.started
		w.mu.RUnlock()
		if started {
			<-w.doneCh
		}
	})
}

func (w *Watcher) loop() {
	defer close(w.doneCh)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	pending := make(map[string]fsnotify.Event)

	for {
		select {
		case <-w.stopCh:
			timer.Stop()
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.watchRecursive(ev.Name)
				}
			}
			prev, seen := pending[ev.Name]
			if seen {
				ev.Op |= prev.Op
			}
			pending[ev.Name] = ev
			timer.Reset(w.debounce)

		case <-timer.C:
			batch := pending
			pending = make(map[string]fsnotify.Event)
			for _, ev := range batch {
				w.handle(ev)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filesystem watcher error", "error", err)
		}
	}
}

func (w *Watcher) ignored(rel string) bool {
	for _, seg := range strings.Split(rel, string(filepath.Separator)) {
		if slices.Contains(w.ignore, seg) {
			return true
		}
	}
	return false
}

// handle records a debounced event.
func (w *Watcher) handle(ev fsnotify.Event) {
	w.mu.Lock()

	var unitID, rel string
	for id, dir := range w.units {
		if ev.Name == dir || strings.HasPrefix(ev.Name, dir+string(filepath.Separator)) {
			unitID = id
			rel, _ = filepath.Rel(dir, ev.Name)
			break
		}
	}
	if unitID == "" || rel == "." || w.ignored(rel) {
		w.mu.Unlock()
		return
	}

	kind := task.OpWrite
	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		kind = task.OpDelete
	}

	if w.modifications[rel] == nil {
		w.modifications[rel] = make(map[string]time.Time)
	}
	w.modifications[rel][unitID] = time.Now()
	w.recalculate()
	observed, onConflict := w.onObserved, w.onConflict
	conflicts := slices.Clone(w.conflicts)
	w.mu.Unlock()

	if observed != nil {
		observed(unitID, task.Operation{Kind: kind, Path: rel})
	}
	if onConflict != nil && len(conflicts) > 0 {
		onConflict(conflicts)
	}
}

// recalculate rebuilds the conflict list. Callers hold w.mu.
func (w *Watcher) recalculate() {
	conflicts := make([]ObservedConflict, 0)
	for rel, units := range w.modifications {
		if len(units) < 2 {
			continue
		}
		c := ObservedConflict{RelativePath: rel}
		for id, at := range units {
			c.UnitIDs = append(c.UnitIDs, id)
			if at.After(c.LastModified) {
				c.LastModified = at
			}
		}
		slices.Sort(c.UnitIDs)
		conflicts = append(conflicts, c)
	}
	slices.SortFunc(conflicts, func(a, b ObservedConflict) int {
		return strings.Compare(a.RelativePath, b.RelativePath)
	})
	w.conflicts = conflicts
}

// Conflicts returns the paths currently touched by more than one unit.
func (w *Watcher) Conflicts() []ObservedConflict {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return slices.Clone(w.conflicts)
}

// ModifiedBy returns the workspace-relative paths a unit has touched, sorted.
func (w *Watcher) ModifiedBy(unitID string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var files []string
	for rel, units := range w.modifications {
		if _, ok := units[unitID]; ok {
			files = append(files, rel)
		}
	}
	slices.Sort(files)
	return files
}
