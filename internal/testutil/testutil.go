// Package testutil provides testing utilities for swarm tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// SetupProject creates a temporary project directory holding files, keyed
// by slash-separated relative path. It is removed when the test completes.
func SetupProject(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := t.TempDir()
	for path, content := range files {
		WriteFile(t, dir, path, content)
	}
	return dir
}

// WriteFile creates or replaces dir/path, creating parent directories, and
// returns the full path.
func WriteFile(t *testing.T, dir, path, content string) string {
	t.Helper()

	fullPath := filepath.Join(dir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
	return fullPath
}

// ReadFile returns the contents of dir/path, failing the test if it cannot
// be read.
func ReadFile(t *testing.T, dir, path string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(path)))
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(data)
}

// SkipIfMissing skips the test if the named executable is not in PATH.
func SkipIfMissing(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not found in PATH, skipping test", name)
	}
}

// SkipIfNoShell skips tests that run units through sh.
func SkipIfNoShell(t *testing.T) {
	t.Helper()
	SkipIfMissing(t, "sh")
}

// SkipIfNoGolangciLint skips tests that require golangci-lint.
func SkipIfNoGolangciLint(t *testing.T) {
	t.Helper()
	SkipIfMissing(t, "golangci-lint")
}
