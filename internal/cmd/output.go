package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/swarm/internal/aggregate"
	"github.com/Iron-Ham/swarm/internal/event"
	"github.com/Iron-Ham/swarm/internal/store"
	"github.com/Iron-Ham/swarm/internal/task"
	"github.com/Iron-Ham/swarm/internal/util"
	"github.com/charmbracelet/lipgloss"
)

// outputPreview bounds the output shown per unit in tables.
const outputPreview = 60

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	abortedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#3B82F6"))
)

func outcomeStyle(o task.Outcome) lipgloss.Style {
	switch o {
	case task.OutcomeSuccess:
		return successStyle
	case task.OutcomeFailure:
		return failureStyle
	default:
		return abortedStyle
	}
}

func statusStyle(s task.Status) lipgloss.Style {
	switch s {
	case task.StatusCompleted:
		return successStyle
	case task.StatusFailed:
		return failureStyle
	case task.StatusAborted:
		return abortedStyle
	case task.StatusRunning:
		return runningStyle
	default:
		return mutedStyle
	}
}

// table renders rows in aligned columns. Cells may carry ANSI styling.
type table struct {
	header []string
	rows   [][]string
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) render(w io.Writer) {
	widths := make([]int, len(t.header))
	for i, h := range t.header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}

	line := func(cells []string, style *lipgloss.Style) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			if style != nil {
				cell = style.Render(cell)
			}
			if i < len(cells)-1 {
				cell += strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			}
			parts[i] = cell
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	line(t.header, &headerStyle)
	for _, row := range t.rows {
		line(row, nil)
	}
}

// printResult writes a synthesized batch result.
func printResult(w io.Writer, res *aggregate.SynthesizedResult) {
	verdict := successStyle.Render("succeeded")
	if !res.Success {
		verdict = failureStyle.Render("failed")
	}
	fmt.Fprintf(w, "Batch %s (%s) %s\n", res.BatchID, res.Strategy, verdict)
	fmt.Fprintf(w, "  completed: %d  failed: %d  aborted: %d  duration: %s\n",
		res.Completed, res.Failed, res.Aborted, res.Metrics.Duration.Round(time.Millisecond))
	if res.Winner != "" {
		fmt.Fprintf(w, "  winner: %s\n", res.Winner)
	}
	for _, g := range res.Groups {
		if g.GroupID != "" && g.Winner != "" {
			fmt.Fprintf(w, "  group %s won by %s\n", g.GroupID, g.Winner)
		}
	}
	fmt.Fprintln(w)

	t := &table{header: []string{"UNIT", "STATUS", "ATTEMPTS", "DURATION", "OUTPUT"}}
	for _, r := range res.Results {
		detail := r.Output
		if r.Error != "" {
			detail = r.Error
		}
		t.add(
			r.UnitID,
			outcomeStyle(r.Status).Render(string(r.Status)),
			fmt.Sprint(r.Attempts),
			r.Metrics.Duration.Round(time.Millisecond).String(),
			mutedStyle.Render(util.Preview(detail, outputPreview)),
		)
	}
	t.render(w)
}

// printSnapshot writes the persisted state of one batch.
func printSnapshot(w io.Writer, snap *store.Snapshot) {
	state := runningStyle.Render("in progress")
	switch {
	case snap.Done && snap.Success:
		state = successStyle.Render("succeeded")
	case snap.Done:
		state = failureStyle.Render("failed")
	}
	fmt.Fprintf(w, "Batch %s (%s) %s\n", snap.BatchID, snap.Strategy, state)
	fmt.Fprintf(w, "  created: %s  updated: %s\n",
		snap.CreatedAt.Format(time.DateTime), snap.UpdatedAt.Format(time.DateTime))
	fmt.Fprintln(w)

	results := make(map[string]task.TaskResult, len(snap.Results))
	for _, r := range snap.Results {
		results[r.UnitID] = r
	}
	t := &table{header: []string{"UNIT", "STATUS", "DEPENDS ON", "DETAIL"}}
	for _, u := range snap.Units {
		status := snap.Statuses[u.ID]
		detail := ""
		if r, ok := results[u.ID]; ok {
			detail = r.Output
			if r.Error != "" {
				detail = r.Error
			}
		}
		t.add(
			u.ID,
			statusStyle(status).Render(string(status)),
			strings.Join(u.Dependencies, ","),
			mutedStyle.Render(util.Preview(detail, outputPreview)),
		)
	}
	t.render(w)
}

// printSnapshots writes one line per persisted batch.
func printSnapshots(w io.Writer, snaps []*store.Snapshot) {
	if len(snaps) == 0 {
		fmt.Fprintln(w, "No batches")
		return
	}
	t := &table{header: []string{"BATCH", "STRATEGY", "UNITS", "COMPLETED", "FAILED", "ABORTED", "STATE", "UPDATED"}}
	for _, s := range snaps {
		counts := s.Counts()
		state := runningStyle.Render("in progress")
		switch {
		case s.Done && s.Success:
			state = successStyle.Render("succeeded")
		case s.Done:
			state = failureStyle.Render("failed")
		}
		t.add(
			s.BatchID,
			string(s.Strategy),
			fmt.Sprint(len(s.Units)),
			fmt.Sprint(counts[task.StatusCompleted]),
			fmt.Sprint(counts[task.StatusFailed]),
			fmt.Sprint(counts[task.StatusAborted]),
			state,
			s.UpdatedAt.Format(time.DateTime),
		)
	}
	t.render(w)
}

// progressPrinter reports unit lifecycle events as they happen.
func progressPrinter(w io.Writer) event.Handler {
	return func(ev event.Event) {
		switch e := ev.(type) {
		case event.UnitStartedEvent:
			fmt.Fprintf(w, "%s %s started on %s (attempt %d)\n",
				runningStyle.Render("▶"), e.UnitID, e.WorkerID, e.Attempt)
		case event.UnitCompletedEvent:
			fmt.Fprintf(w, "%s %s completed in %s\n",
				successStyle.Render("✓"), e.Result.UnitID, e.Result.Metrics.Duration.Round(time.Millisecond))
		case event.UnitFailedEvent:
			fmt.Fprintf(w, "%s %s failed: %s\n",
				failureStyle.Render("✗"), e.Result.UnitID, util.FirstLine(e.Result.Error))
		case event.UnitRetryingEvent:
			fmt.Fprintf(w, "%s %s retrying (attempt %d): %s\n",
				abortedStyle.Render("↻"), e.UnitID, e.Attempt, util.FirstLine(e.Error))
		case event.UnitAbortedEvent:
			fmt.Fprintf(w, "%s %s aborted: %s\n",
				abortedStyle.Render("■"), e.UnitID, e.Reason)
		case event.ConflictDetectedEvent:
			fmt.Fprintf(w, "%s %s conflict on %s between %s\n",
				abortedStyle.Render("!"), e.ConflictType, e.Path, strings.Join(e.UnitIDs, ", "))
		case event.ConflictObservedEvent:
			fmt.Fprintf(w, "%s observed overlapping writes to %s by %s\n",
				abortedStyle.Render("!"), e.Path, strings.Join(e.UnitIDs, ", "))
		}
	}
}

// syncWriter serializes writes from concurrent event publishers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
