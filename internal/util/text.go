// Package util provides shared utility functions used across the codebase.
package util

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// Ellipsis marks truncated text.
const Ellipsis = "..."

// Truncate shortens s to at most width terminal columns, ending it with
// Ellipsis when anything was cut. Escape sequences and wide characters are
// measured the way a terminal renders them.
func Truncate(s string, width int) string {
	if width <= len(Ellipsis) {
		return Ellipsis
	}
	if lipgloss.Width(s) <= width {
		return s
	}
	return ansi.Truncate(s, width, Ellipsis)
}

// FirstLine returns the first non-blank line of s, trimmed.
func FirstLine(s string) string {
	for line := range strings.Lines(s) {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// Preview condenses worker output for a table cell: escape sequences are
// dropped, only the first non-blank line is kept, and it is truncated to
// width columns.
func Preview(s string, width int) string {
	line := FirstLine(ansi.Strip(s))
	if line == "" {
		return ""
	}
	return Truncate(line, width)
}
