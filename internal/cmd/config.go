package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/Iron-Ham/swarm/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify swarm configuration",
	Long: `View or modify swarm configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  swarm config set pool.max_workers 8
  swarm config set scheduler.conflict_policy reject
  swarm config set worker.exec "bash,-e"

List values are comma separated. Run 'swarm config show' for every key.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/swarm/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	// Show where config is being read from
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	settings := viper.AllSettings()
	delete(settings, "config")
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := strings.ToLower(args[0])
	value := args[1]

	if key == "config" || !slices.Contains(viper.AllKeys(), key) {
		return fmt.Errorf("unknown configuration key: %s\nRun 'swarm config show' to see valid keys", key)
	}

	// The default's type decides how the value is parsed
	var typedValue any
	switch viper.Get(key).(type) {
	case bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		typedValue = b
	case int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: expected integer", key)
		}
		typedValue = n
	case []string, []any:
		var items []string
		for item := range strings.SplitSeq(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		typedValue = items
	default:
		typedValue = value
	}

	viper.Set(key, typedValue)
	if _, err := config.Load(); err != nil {
		return err
	}

	// Ensure config directory exists
	configDir := config.ConfigDir()
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = config.ConfigFile()
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, typedValue)
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", configFile)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'swarm config set' to modify values", configFile)
	}

	// Create config directory
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configFile, []byte(defaultConfigContent), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	fmt.Fprintln(cmd.OutOrStdout(), "Edit this file to customize swarm's behavior.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	configFile := config.ConfigFile()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", configFile)
	}

	// Also show config search paths
	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(config.ConfigDir(), "config.yaml"))
	fmt.Fprintln(out, "  2. ./config.yaml (current directory)")
	fmt.Fprintln(out, "\nEnvironment variables: SWARM_* (e.g., SWARM_POOL_MAX_WORKERS)")
	return nil
}

// defaultConfigContent is written by 'swarm config init'.
const defaultConfigContent = `# swarm configuration

# Worker instance pool
pool:
  # Maximum number of live worker processes
  max_workers: 4
  # Terminate workers idle this long (0 = never)
  idle_timeout_seconds: 60
  # How long a unit may wait for a free worker
  acquire_timeout_seconds: 300
  # How long busy workers get to stop on shutdown
  grace_period_seconds: 10
  # Ping idle workers this often (0 = disabled)
  health_interval_seconds: 30
  health_timeout_ms: 2000

# Orchestrator to worker messaging
ipc:
  # Per-unit execution timeout (0 = none)
  request_timeout_seconds: 1800
  # Redials of a lost in-process worker channel before the worker counts
  # as crashed
  reconnect_attempts: 3
  backoff_initial_ms: 200
  backoff_max_ms: 5000

scheduler:
  # Units running at once when a manifest sets no limit
  concurrency_limit: 4
  # Redispatches after a transient failure
  max_retries: 1
  # serialize: run conflicting units one after another
  # reject: refuse batches with conflicting units
  conflict_policy: serialize
  # Run dependents of failed units instead of aborting them
  run_after_failure: false
  # How long an aborted unit's worker has to stop; race batches wait this
  # long at most for losers that ignore cancellation
  cancel_grace_ms: 5000

aggregate:
  # Report "all" batches as successful when at least one unit succeeded
  tolerate_failure: false

# Observe what units actually touch in their workspaces
watch:
  enabled: true
  debounce_ms: 50
  ignore_paths:
    - .git
    - node_modules

worker:
  # Command speaking the worker protocol (empty = built-in worker)
  command: ""
  # Command each unit runs, with the instruction on stdin
  exec:
    - sh
  default_class: default

logging:
  # debug, info, warn, error
  level: info
  # auto, json, console
  format: auto
  # Write swarm.log into the state directory
  to_file: false
  max_size_mb: 10
  max_backups: 3

paths:
  # Defaults to .swarm/state and .swarm/workspaces in the working directory
  state_dir: ""
  workspace_root: ""
`
