package cmd

import (
	"fmt"
	"os"

	"github.com/Iron-Ham/swarm/internal/store"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [batch-id]",
	Short: "Show saved batch state",
	Long: `Without arguments, list every batch in the state directory, newest first.
With a batch id, show the status of each of its units.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var (
	statusJSON   bool
	statusEvents bool
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print as JSON")
	statusCmd.Flags().BoolVar(&statusEvents, "events", false, "print the batch's event log instead of its units")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}
	st := store.New(cfg.Paths.ResolveStateDir(cwd))
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		snaps, err := st.List()
		if err != nil {
			return err
		}
		if statusJSON {
			return writeJSON(out, snaps)
		}
		printSnapshots(out, snaps)
		return nil
	}

	if statusEvents {
		records, err := st.ReadAudit(args[0])
		if err != nil {
			return err
		}
		if statusJSON {
			return writeJSON(out, records)
		}
		for _, r := range records {
			fmt.Fprintf(out, "%s  %s  %s\n", r.Time.Format("15:04:05.000"), r.Type, mutedStyle.Render(string(r.Event)))
		}
		return nil
	}

	snap, err := st.Load(args[0])
	if err != nil {
		return err
	}
	if statusJSON {
		return writeJSON(out, snap)
	}
	printSnapshot(out, snap)
	return nil
}
