// Package workspace lays out the per-unit working directories a batch runs in.
//
//	<root>/<batchID>/<unitID>/
//
// Batch and unit ids are validated as single path segments before anything is
// created, so a unit id can never escape the root.
package workspace

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/task"
)

// Layout maps (batch, unit) pairs to directories under a root.
type Layout struct {
	root string
	seed string
}

// Option configures a Layout.
type Option func(*Layout)

// WithSeed copies the contents of dir into every newly prepared unit
// directory.
func WithSeed(dir string) Option {
	return func(l *Layout) {
		l.seed = dir
	}
}

// New creates a Layout rooted at root.
func New(root string, opts ...Option) *Layout {
	l := &Layout{root: root}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Root returns the workspace root.
func (l *Layout) Root() string {
	return l.root
}

// Path returns the directory of unitID within batchID without creating it.
func (l *Layout) Path(batchID, unitID string) (string, error) {
	if err := task.ValidateID("batch", batchID); err != nil {
		return "", errors.NewValidationError(err.Error()).WithField("batch_id")
	}
	if err := task.ValidateID("unit", unitID); err != nil {
		return "", errors.NewValidationError(err.Error()).WithField("unit_id")
	}
	return filepath.Join(l.root, batchID, unitID), nil
}

// Prepare creates the unit's directory and returns its path. Preparing an
// existing directory keeps its contents, which is what a retried or resumed
// unit expects.
func (l *Layout) Prepare(batchID, unitID string) (string, error) {
	dir, err := l.Path(batchID, unitID)
	if err != nil {
		return "", err
	}
	_, statErr := os.Stat(dir)
	fresh := os.IsNotExist(statErr)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	if fresh && l.seed != "" {
		if err := copyTree(l.seed, dir); err != nil {
			return "", fmt.Errorf("seed workspace: %w", err)
		}
	}
	return dir, nil
}

// Cleanup removes every unit directory of batchID.
func (l *Layout) Cleanup(batchID string) error {
	if err := task.ValidateID("batch", batchID); err != nil {
		return errors.NewValidationError(err.Error()).WithField("batch_id")
	}
	if err := os.RemoveAll(filepath.Join(l.root, batchID)); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

// copyTree copies regular files and directories from src into dst. Symlinks
// and special files are skipped.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0755)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			return nil
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
