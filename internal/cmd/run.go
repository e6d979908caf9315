package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Iron-Ham/swarm/internal/aggregate"
	"github.com/Iron-Ham/swarm/internal/manifest"
	"github.com/Iron-Ham/swarm/internal/orchestrator"
	"github.com/Iron-Ham/swarm/internal/task"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// errBatchFailed is returned when a batch finished without succeeding so
// the process exits non-zero. The result has already been printed.
var errBatchFailed = errors.New("batch did not succeed")

var runCmd = &cobra.Command{
	Use:   "run <manifest>",
	Short: "Run a batch of work units",
	Long: `Run the work units described by a manifest file and wait for the result.

The manifest may be YAML, JSON or TOML and is selected by file extension.
Progress is reported on stderr; the combined result is printed when every
unit has finished. Interrupting the command aborts the batch; its state is
kept so it can be continued with 'swarm resume'.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runStrategy        string
	runConcurrency     int
	runBatchID         string
	runTolerateFailure bool
	runJSON            bool
	runQuiet           bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runStrategy, "strategy", "", "override the manifest strategy (all, race, sequential)")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "override the manifest concurrency limit")
	runCmd.Flags().StringVar(&runBatchID, "batch-id", "", "override the manifest batch id")
	runCmd.Flags().BoolVar(&runTolerateFailure, "tolerate-failure", false, "report success when at least one unit succeeded")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the result as JSON")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "do not report progress")
}

func runRun(cmd *cobra.Command, args []string) error {
	m, err := manifest.Load(args[0])
	if err != nil {
		return err
	}
	b, err := m.Batch()
	if err != nil {
		return err
	}
	if runStrategy != "" {
		if b.Strategy, err = task.ParseStrategy(runStrategy); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("concurrency") {
		b.ConcurrencyLimit = runConcurrency
	}
	if runBatchID != "" {
		b.ID = runBatchID
	}
	if b.ID == "" {
		// Known up front so progress can follow this batch alone.
		b.ID = uuid.NewString()
	}
	if runTolerateFailure {
		b.TolerateFailure = true
	}

	return executeBatch(cmd, b.ID, runQuiet, runJSON, func(ctx context.Context, orch *orchestrator.Orchestrator) (*orchestrator.BatchHandle, error) {
		return orch.Submit(ctx, b)
	})
}

// executeBatch starts batch batchID with start and waits for it, aborting
// on SIGINT or SIGTERM.
func executeBatch(cmd *cobra.Command, batchID string, quiet, asJSON bool, start func(context.Context, *orchestrator.Orchestrator) (*orchestrator.BatchHandle, error)) (err error) {
	e, err := newEnv()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	progress := &syncWriter{w: cmd.ErrOrStderr()}
	if !quiet {
		id := e.orch.Bus().SubscribeBatch(batchID, progressPrinter(progress))
		defer e.orch.Bus().Unsubscribe(id)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := start(ctx, e.orch)
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Fprintf(progress, "Batch %s started with %d units\n", h.ID(), len(h.Batch().Units))
	}

	res, err := h.Wait(ctx)
	if err != nil {
		// Interrupted: the run context is already canceled, so every unit is
		// being aborted. Wait for the final snapshot before exiting.
		fmt.Fprintf(progress, "Interrupted, aborting batch %s\n", h.ID())
		h.Cancel()
		res, err = h.Wait(context.Background())
		if err != nil {
			return err
		}
	}
	return report(cmd, res, asJSON)
}

func report(cmd *cobra.Command, res *aggregate.SynthesizedResult, asJSON bool) error {
	if asJSON {
		if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	} else {
		printResult(cmd.OutOrStdout(), res)
	}
	if !res.Success {
		return fmt.Errorf("%w: %s", errBatchFailed, res.BatchID)
	}
	return nil
}
