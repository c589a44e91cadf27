package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/secfleet/conductor/pkg/config"
)

// defaultConfigPath is read when --config is not given and the file exists.
const defaultConfigPath = "conductor.yaml"

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "Conductor - task-graph job engine with hierarchical locking",
		Long: `Conductor runs jobs described as graphs of tasks. Tasks run in parallel
on a shared worker pool as soon as their guards allow, meta-tasks splice new
work into a running graph, and objects are protected by read/write locks
taken child-first then parents.

Features:
  - YAML workflows with Starlark script steps
  - Hierarchical read/write locks with automatic unlock tasks
  - FIFO queuing of jobs that touch the same objects
  - Admission control via OPA/rego policies
  - Job history in SQLite or PostgreSQL`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configureLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./conductor.yaml if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// loadConfig reads --config, or ./conductor.yaml when present, or falls
// back to the built-in defaults.
func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				log.Debug().Msg("No config file, using defaults")
				return applyFlags(config.Default()), "", nil
			}
			return nil, "", err
		}
		path = defaultConfigPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	log.Debug().Str("path", path).Msg("Configuration loaded")
	return applyFlags(cfg), path, nil
}

func applyFlags(cfg *config.Config) *config.Config {
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg
}
