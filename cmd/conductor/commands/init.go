package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/secfleet/conductor/pkg/config"
	"github.com/secfleet/conductor/pkg/stores"
	"github.com/secfleet/conductor/pkg/workflow"
)

const exampleWorkflow = `name: example
description: Refresh a security group and report the result
references:
  - {kind: security-group, id: 1, name: default}
locks:
  child: {kind: security-group, id: 1}
  parents:
    - {kind: virtualization-connector, id: 1}
steps:
  - name: render
    script: |
      rules = ["allow %d" % port for port in ports]
      print("rendered", len(rules), "rules")
    vars:
      ports: [22, 443]
  - name: push
    after: [render]
    sleep: 100ms
  - name: report
    after: [push]
    guard: all_predecessors_completed
    noop: true
`

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a conductor workspace",
		Long: `Initialize a workspace with a default configuration file, an example
workflow and a migrated job history database.`,
		Example: `  # Initialize the current directory
  conductor init

  # Overwrite an existing configuration
  conductor init --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			log.Info().Str("dir", dir).Bool("force", force).Msg("Initializing workspace")

			if err := os.MkdirAll(filepath.Join(dir, "workflows"), 0o755); err != nil {
				return fmt.Errorf("failed to create workflows directory: %w", err)
			}

			cfg := config.Default()
			cfg.Store.Path = filepath.Join(dir, cfg.Store.Path)
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}

			cfgPath := configPath
			if cfgPath == "" {
				cfgPath = filepath.Join(dir, "conductor.yaml")
			}
			if err := writeNew(cfgPath, data, force); err != nil {
				return err
			}
			fmt.Printf("✓ Created config file: %s\n", cfgPath)

			wfPath := filepath.Join(dir, "workflows", "example.yaml")
			if _, err := workflow.Parse([]byte(exampleWorkflow)); err != nil {
				return fmt.Errorf("example workflow is invalid: %w", err)
			}
			if err := writeNew(wfPath, []byte(exampleWorkflow), force); err != nil {
				return err
			}
			fmt.Printf("✓ Created example workflow: %s\n", wfPath)

			store, err := stores.Open(cmd.Context(), cfg.Store)
			if err != nil {
				return fmt.Errorf("failed to initialize history store: %w", err)
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Printf("✓ Initialized history database: %s\n", cfg.Store.Path)

			fmt.Printf("\nRun the example with:\n  conductor run --config %s %s\n", cfgPath, wfPath)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")

	return cmd
}

func writeNew(path string, data []byte, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}
