package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/Iron-Ham/swarm/internal/ipc"
	"github.com/Iron-Ham/swarm/internal/logging"
	"github.com/Iron-Ham/swarm/internal/worker"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve the worker protocol on stdin and stdout",
	Long: `Run as a pooled worker. The orchestrator starts this command itself;
it reads JSON-line requests on stdin and answers on stdout. Each unit runs
the command configured as worker.exec with the instruction on its stdin.`,
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout carries the protocol, so logs always go to stderr.
	logger, err := logging.NewLogger(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return err
	}
	defer logger.Close()

	// The orchestrator ends a worker with a shutdown notification or by
	// closing stdin; signals aimed at the process group are left to it.
	signal.Ignore(os.Interrupt, syscall.SIGTERM)

	t := ipc.NewStreamTransport(os.Stdin, os.Stdout, os.Stdin)
	exec := &worker.CommandExecutor{Argv: cfg.Worker.Exec, Env: cfg.Worker.Env}
	return worker.Serve(cmd.Context(), t, exec,
		worker.WithWorkerID(os.Getenv("SWARM_WORKER_ID")),
		worker.WithLogger(logger),
	)
}
