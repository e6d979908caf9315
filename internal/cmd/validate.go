package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/Iron-Ham/swarm/internal/config"
	"github.com/Iron-Ham/swarm/internal/conflict"
	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/graph"
	"github.com/Iron-Ham/swarm/internal/manifest"
	"github.com/Iron-Ham/swarm/internal/scheduler"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <manifest>",
	Short: "Check a manifest without running it",
	Long: `Validate a manifest against the schema, build its dependency graph and
report the execution levels and any conflicts between units that could
run at the same time. Nothing is executed.

Under the reject conflict policy, conflicts make validation fail.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

var validateJSON bool

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "print the plan as JSON")
}

// validationPlan is the JSON form of a validated manifest.
type validationPlan struct {
	BatchID   string         `json:"batch_id,omitempty"`
	Strategy  string         `json:"strategy"`
	Levels    [][]string     `json:"levels"`
	Conflicts []planConflict `json:"conflicts"`
	Policy    string         `json:"conflict_policy"`
}

type planConflict struct {
	Type  string   `json:"type"`
	Path  string   `json:"path"`
	Units []string `json:"units"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := manifest.Load(args[0])
	if err != nil {
		return err
	}
	b, err := m.Batch()
	if err != nil {
		return err
	}
	g, err := graph.Build(b.Units)
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}
	conflicts := detectConflicts(cfg, cwd, g)

	plan := validationPlan{
		BatchID:   b.ID,
		Strategy:  string(b.Strategy),
		Levels:    g.Levels(),
		Conflicts: make([]planConflict, len(conflicts)),
		Policy:    cfg.Scheduler.ConflictPolicy,
	}
	for i, c := range conflicts {
		plan.Conflicts[i] = planConflict{Type: string(c.Type), Path: c.Path, Units: c.UnitIDs[:]}
	}

	out := cmd.OutOrStdout()
	if validateJSON {
		if err := writeJSON(out, plan); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "%s %d units, strategy %s\n", successStyle.Render("✓"), g.Len(), b.Strategy)
		for i, level := range plan.Levels {
			fmt.Fprintf(out, "  level %d: %s\n", i, strings.Join(level, ", "))
		}
		for _, c := range plan.Conflicts {
			fmt.Fprintf(out, "%s %s conflict on %s between %s\n",
				abortedStyle.Render("!"), c.Type, c.Path, strings.Join(c.Units, ", "))
		}
		if len(plan.Conflicts) > 0 && cfg.Scheduler.ConflictPolicy == config.ConflictPolicySerialize {
			fmt.Fprintln(out, mutedStyle.Render("  conflicting units will be serialized"))
		}
	}

	if len(conflicts) > 0 && cfg.Scheduler.ConflictPolicy == config.ConflictPolicyReject {
		details := make([]errors.ConflictDetail, len(conflicts))
		for i, c := range conflicts {
			details[i] = errors.ConflictDetail{Type: string(c.Type), Path: c.Path, Units: c.UnitIDs}
		}
		return errors.NewConflictError(details)
	}
	return nil
}

// detectConflicts returns the conflicts the scheduler would see among
// units the graph leaves unordered.
func detectConflicts(cfg *config.Config, root string, g *graph.Graph) []conflict.Conflict {
	analyzer := conflict.NewAnalyzer(
		conflict.WithRoot(root),
		conflict.WithCaseInsensitive(cfg.Scheduler.CaseInsensitivePaths),
	)
	prints := make(map[string]*conflict.Footprint, g.Len())
	for _, u := range g.Units() {
		prints[u.ID] = analyzer.Prepare(u)
	}
	return scheduler.Preflight(g, prints)
}
