package cmd

import (
	"context"

	"github.com/Iron-Ham/swarm/internal/orchestrator"
	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <batch-id>",
	Short: "Continue an interrupted or failed batch",
	Long: `Resume a batch from its saved state.

Units that completed keep their results and are not run again. Failed,
aborted and unfinished units are submitted once more, with completed
units counting as satisfied dependencies.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

var (
	resumeJSON  bool
	resumeQuiet bool
)

func init() {
	rootCmd.AddCommand(resumeCmd)

	resumeCmd.Flags().BoolVar(&resumeJSON, "json", false, "print the result as JSON")
	resumeCmd.Flags().BoolVarP(&resumeQuiet, "quiet", "q", false, "do not report progress")
}

func runResume(cmd *cobra.Command, args []string) error {
	batchID := args[0]
	return executeBatch(cmd, batchID, resumeQuiet, resumeJSON, func(ctx context.Context, orch *orchestrator.Orchestrator) (*orchestrator.BatchHandle, error) {
		return orch.Resume(ctx, batchID)
	})
}
