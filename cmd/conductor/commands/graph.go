package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/secfleet/conductor/pkg/engine"
	"github.com/secfleet/conductor/pkg/lock"
	"github.com/secfleet/conductor/pkg/workflow"
)

func newGraphCommand() *cobra.Command {
	var root bool

	cmd := &cobra.Command{
		Use:   "graph <workflow.yaml>",
		Short: "Print a workflow's task graph in DOT format",
		Long: `Print the task graph of a workflow in Graphviz DOT format.

Nodes are grouped by topological level. Edges are drawn by the guard of
the node they lead to: solid for all_predecessors_succeeded, bold for
all_ancestors_succeeded and dotted for all_predecessors_completed.

By default the steps are shown. With --root the graph is shown as it is
submitted, where a workflow with locks is a single protected task.`,
		Example: `  # Render to SVG
  conductor graph workflows/sync.yaml | dot -Tsvg > sync.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			def, err := workflow.Load(args[0])
			if err != nil {
				return err
			}

			b := workflow.NewBuilder(lock.NewManager(), cfg.Locks.Options(), nil)
			var g *engine.TaskGraph
			if root {
				g, err = b.Build(def)
			} else {
				g, err = b.BuildSteps(def)
			}
			if err != nil {
				return err
			}
			fmt.Print(g.ToDOT(def.Name))
			return nil
		},
	}

	cmd.Flags().BoolVar(&root, "root", false, "show the submitted root graph instead of the steps")

	return cmd
}
