package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Iron-Ham/swarm/internal/config"
	"github.com/Iron-Ham/swarm/internal/logging"
	"github.com/Iron-Ham/swarm/internal/orchestrator"
	"github.com/Iron-Ham/swarm/internal/pool"
	"github.com/Iron-Ham/swarm/internal/store"
	"github.com/Iron-Ham/swarm/internal/workspace"
	"github.com/spf13/viper"
)

// newSpawner returns the spawner workers are started with. Tests replace it
// to run workers in-process.
var newSpawner = processSpawner

// processSpawner starts workers as configured by worker.command. Without
// one, workers are this executable's hidden "worker" subcommand, pointed at
// the same config file.
func processSpawner(cfg *config.Config, logger *logging.Logger) (pool.Spawner, error) {
	s := &pool.ProcessSpawner{
		Command: cfg.Worker.Command,
		Args:    cfg.Worker.Args,
		Env:     cfg.Worker.Env,
		Stderr:  os.Stderr,
		Logger:  logger,
	}
	if s.Command == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate swarm executable: %w", err)
		}
		s.Command = exe
		s.Args = []string{"worker"}
		if used := viper.ConfigFileUsed(); used != "" {
			s.Args = append(s.Args, "--config", used)
		}
	}
	return s, nil
}

// env is everything a batch-running command needs.
type env struct {
	cfg    *config.Config
	cwd    string
	logger *logging.Logger
	store  *store.Store
	orch   *orchestrator.Orchestrator
}

// newEnv loads configuration and builds an orchestrator rooted at the
// working directory.
func newEnv() (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}

	stateDir := cfg.Paths.ResolveStateDir(cwd)
	logger, err := newLogger(cfg, stateDir)
	if err != nil {
		return nil, err
	}

	spawner, err := newSpawner(cfg, logger)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	st := store.New(stateDir)
	layout := workspace.New(cfg.Paths.ResolveWorkspaceRoot(cwd))
	orch, err := orchestrator.New(cfg, spawner,
		orchestrator.WithLogger(logger),
		orchestrator.WithStore(st),
		orchestrator.WithWorkspace(layout),
		orchestrator.WithProjectRoot(cwd),
	)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	return &env{cfg: cfg, cwd: cwd, logger: logger, store: st, orch: orch}, nil
}

// close shuts the orchestrator down, giving busy workers the configured
// grace period plus a little slack for the pool's own bookkeeping.
func (e *env) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Pool.GracePeriod()+5*time.Second)
	defer cancel()
	err := e.orch.Shutdown(ctx)
	_ = e.logger.Close()
	return err
}
