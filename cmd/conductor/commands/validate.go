package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/secfleet/conductor/pkg/engine"
	"github.com/secfleet/conductor/pkg/lock"
	"github.com/secfleet/conductor/pkg/policy"
	"github.com/secfleet/conductor/pkg/workflow"
)

func newValidateCommand() *cobra.Command {
	var skipPolicy bool

	cmd := &cobra.Command{
		Use:   "validate [workflow.yaml]...",
		Short: "Validate configuration and workflows",
		Long: `Validate the configuration file and any workflow files without running them.

This command checks:
  - config keys, types and ranges against the configuration schema
  - workflow structure: step bodies, guards, ordering and references
  - that each workflow builds into an acyclic task graph
  - admission policies (OPA/rego), reporting denials and warnings`,
		Example: `  # Validate ./conductor.yaml
  conductor validate

  # Validate workflows against a specific config
  conductor validate -c prod.yaml workflows/*.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			if path != "" {
				fmt.Printf("✓ config %s\n", path)
			}

			var pe *policy.Engine
			if cfg.Policy.Enabled && !skipPolicy {
				pe, err = policy.NewEngine(cmd.Context(), cfg.Policy, log.Logger, nil)
				if err != nil {
					return err
				}
			}

			builder := workflow.NewBuilder(lock.NewManager(), cfg.Locks.Options(), nil)
			failed := 0
			for _, file := range args {
				if err := validateWorkflow(cmd.Context(), builder, pe, file); err != nil {
					fmt.Printf("✗ %s: %v\n", file, err)
					failed++
					continue
				}
				fmt.Printf("✓ %s\n", file)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d workflows are invalid", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipPolicy, "skip-policy", false, "do not evaluate admission policies")

	return cmd
}

func validateWorkflow(ctx context.Context, b *workflow.Builder, pe *policy.Engine, file string) error {
	def, err := workflow.Load(file)
	if err != nil {
		return err
	}
	g, err := b.Build(def)
	if err != nil {
		return err
	}
	if err := g.Validate(); err != nil {
		return err
	}
	if pe == nil {
		return nil
	}

	names := make([]string, 0, g.Len())
	for _, n := range g.Nodes() {
		names = append(names, n.Name())
	}
	decision, err := pe.Evaluate(ctx, pe.Input(engine.Admission{
		Name:       def.Name,
		References: def.AllReferences(),
		NodeCount:  g.Len(),
		TaskNames:  names,
	}))
	if err != nil {
		return err
	}
	for _, w := range decision.Warnings {
		fmt.Printf("  ! %s: %s\n", file, w)
	}
	if !decision.Allowed {
		return fmt.Errorf("denied by admission policy: %v", decision.Messages())
	}
	return nil
}
