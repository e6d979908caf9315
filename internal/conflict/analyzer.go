package conflict

import (
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"

	"github.com/Iron-Ham/swarm/internal/task"
)

// Type classifies a conflict between two units.
type Type string

const (
	// WriteWrite means both units mutate the same path.
	WriteWrite Type = "write-write"
	// WriteRead means one unit mutates a path the other reads.
	WriteRead Type = "write-read"
	// Directory means one unit mutates a directory containing a path the other touches.
	Directory Type = "directory-conflict"
)

// Conflict is a pair of units whose operations are unsafe to run concurrently.
// UnitIDs are ordered as the units were given to the analyzer.
type Conflict struct {
	Type    Type
	Path    string
	UnitIDs [2]string
}

// Analyzer decides whether units may run at the same time based on the
// filesystem operations they declare. It is stateless after construction and
// safe for concurrent use.
type Analyzer struct {
	root     string
	foldCase bool
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithRoot resolves relative operation paths against dir.
func WithRoot(dir string) Option {
	return func(a *Analyzer) {
		a.root = dir
	}
}

// WithCaseInsensitive compares paths case-insensitively, as on default
// macOS and Windows filesystems.
func WithCaseInsensitive(fold bool) Option {
	return func(a *Analyzer) {
		a.foldCase = fold
	}
}

// NewAnalyzer creates an Analyzer. Without WithRoot, relative paths are
// resolved against the process working directory.
func NewAnalyzer(opts ...Option) *Analyzer {
	a := &Analyzer{}
	for _, opt := range opts {
		opt(a)
	}
	if a.root == "" {
		if wd, err := os.Getwd(); err == nil {
			a.root = wd
		}
	}
	return a
}

// Canonicalize returns the comparable form of path: absolute, cleaned,
// symlinks resolved where the path exists, and case-folded when configured.
// Empty paths canonicalize to "".
func (a *Analyzer) Canonicalize(path string) string {
	if strings.TrimSpace(path) == "" {
		return ""
	}
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(a.root, p)
	}
	p = filepath.Clean(p)
	p = resolveSymlinks(p)
	if a.foldCase {
		p = cases.Fold().String(p)
	}
	return p
}

// resolveSymlinks resolves the longest existing prefix of p so that a path
// that does not exist yet still maps through a symlinked parent.
func resolveSymlinks(p string) string {
	var missing []string
	cur := p
	for {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}

type canonOp struct {
	kind task.OpKind
	path string
}

// Footprint is a unit's canonicalized operation set. Observed operations can
// be added while the unit runs.
type Footprint struct {
	UnitID string
	ops    []canonOp
	seen   map[canonOp]struct{}
}

// Prepare canonicalizes the declared operations of u.
func (a *Analyzer) Prepare(u task.WorkUnit) *Footprint {
	f := &Footprint{UnitID: u.ID, seen: make(map[canonOp]struct{}, len(u.Operations))}
	for _, op := range u.Operations {
		a.AddOperation(f, op)
	}
	return f
}

// AddOperation records op in f. It returns false for empty paths and
// operations already present.
func (a *Analyzer) AddOperation(f *Footprint, op task.Operation) bool {
	p := a.Canonicalize(op.Path)
	if p == "" {
		return false
	}
	kind := op.Kind
	if !kind.Valid() {
		kind = task.OpWrite
	}
	c := canonOp{kind: kind, path: p}
	if _, dup := f.seen[c]; dup {
		return false
	}
	f.seen[c] = struct{}{}
	f.ops = append(f.ops, c)
	return true
}

// Paths returns the canonical paths of the footprint in insertion order.
func (f *Footprint) Paths() []string {
	out := make([]string, len(f.ops))
	for i, op := range f.ops {
		out[i] = op.path
	}
	return out
}

// Analyze returns every conflict between distinct units, at most one per
// (type, path, unit pair), ordered by unit position then operation order.
func (a *Analyzer) Analyze(units []task.WorkUnit) []Conflict {
	prints := make([]*Footprint, len(units))
	for i, u := range units {
		prints[i] = a.Prepare(u)
	}
	var out []Conflict
	for i := 0; i < len(prints); i++ {
		for j := i + 1; j < len(prints); j++ {
			out = append(out, Compare(prints[i], prints[j])...)
		}
	}
	return out
}

// SafeTogether reports whether x and y may run concurrently.
func (a *Analyzer) SafeTogether(x, y task.WorkUnit) bool {
	return len(Compare(a.Prepare(x), a.Prepare(y))) == 0
}

// Compare returns the conflicts between two footprints.
func Compare(x, y *Footprint) []Conflict {
	if x.UnitID == y.UnitID {
		return nil
	}
	type key struct {
		t Type
		p string
	}
	seen := make(map[key]struct{})
	var out []Conflict
	add := func(t Type, p string) {
		k := key{t, p}
		if _, dup := seen[k]; dup {
			return
		}
		seen[k] = struct{}{}
		out = append(out, Conflict{Type: t, Path: p, UnitIDs: [2]string{x.UnitID, y.UnitID}})
	}

	for _, ox := range x.ops {
		for _, oy := range y.ops {
			if t, p, ok := classify(ox, oy); ok {
				add(t, p)
			}
		}
	}
	return out
}

// Conflicts reports whether any conflict exists between x and y without
// materializing them.
func Conflicts(x, y *Footprint) bool {
	if x.UnitID == y.UnitID {
		return false
	}
	for _, ox := range x.ops {
		for _, oy := range y.ops {
			if _, _, ok := classify(ox, oy); ok {
				return true
			}
		}
	}
	return false
}

func classify(x, y canonOp) (Type, string, bool) {
	xm, ym := x.kind.Mutates(), y.kind.Mutates()
	if x.path == y.path {
		switch {
		case xm && ym:
			return WriteWrite, x.path, true
		case xm || ym:
			return WriteRead, x.path, true
		default:
			return "", "", false
		}
	}
	if xm && isAncestor(x.path, y.path) {
		return Directory, x.path, true
	}
	if ym && isAncestor(y.path, x.path) {
		return Directory, y.path, true
	}
	return "", "", false
}

// isAncestor reports whether dir strictly contains p.
func isAncestor(dir, p string) bool {
	if !strings.HasSuffix(dir, string(filepath.Separator)) {
		dir += string(filepath.Separator)
	}
	return strings.HasPrefix(p, dir)
}
