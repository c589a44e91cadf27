package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/secfleet/conductor/pkg/config"
	"github.com/secfleet/conductor/pkg/engine"
	"github.com/secfleet/conductor/pkg/workflow"
)

func newRunCommand() *cobra.Command {
	var (
		timeout time.Duration
		watch   bool
	)

	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>...",
		Short: "Run workflows as jobs",
		Long: `Run one or more workflow files as jobs on a shared engine.

Every workflow is validated and admitted before anything runs. Jobs whose
references overlap are queued and run one after another in the order given;
the others run in parallel. Finished jobs are written to the history store.
The command exits non-zero if any job fails.`,
		Example: `  # Run a single workflow
  conductor run workflows/sync.yaml

  # Run several workflows with an overall deadline
  conductor run --timeout 10m workflows/*.yaml

  # Reload log level and lock timeout when the config file changes
  conductor run --watch -c conductor.yaml workflows/sync.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			defs := make([]*workflow.Definition, 0, len(args))
			for _, file := range args {
				def, err := workflow.Load(file)
				if err != nil {
					return err
				}
				defs = append(defs, def)
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				a.close(shutdownCtx)
			}()

			if watch && path != "" {
				w := config.NewWatcher(path, cfg, a.applyReload, a.tel.Logger, a.tel.Events)
				go func() {
					if err := w.Run(ctx); err != nil {
						log.Warn().Err(err).Msg("Config watcher stopped")
					}
				}()
			}
			if a.policy != nil && cfg.Policy.Watch {
				if err := a.policy.Watch(ctx); err != nil {
					log.Warn().Err(err).Msg("Policy watcher not started")
				}
			}

			return runJobs(ctx, a, defs)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall deadline for all jobs (0 waits forever)")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload the config file when it changes")

	return cmd
}

// jobResult pairs a workflow with its job or its submission error.
type jobResult struct {
	Workflow string               `json:"workflow"`
	JobID    string               `json:"job_id,omitempty"`
	Status   engine.JobStatus     `json:"status,omitempty"`
	Summary  engine.JobSummary    `json:"summary"`
	Failures []engine.TaskFailure `json:"failures,omitempty"`
	Error    string               `json:"error,omitempty"`
}

func runJobs(ctx context.Context, a *app, defs []*workflow.Definition) error {
	results := make([]jobResult, len(defs))
	var wg sync.WaitGroup

	for i, def := range defs {
		results[i].Workflow = def.Name
		wait, err := a.enqueue(ctx, def)
		if err != nil {
			results[i].Error = err.Error()
			log.Error().Err(err).Str("workflow", def.Name).Msg("Job rejected")
			continue
		}

		wg.Add(1)
		go func(r *jobResult) {
			defer wg.Done()
			job, err := wait(ctx)
			if err != nil {
				r.Error = err.Error()
				return
			}
			log.Info().Str("workflow", r.Workflow).Str("job_id", job.ID()).Msg("Job started")

			status, err := job.Wait(ctx)
			r.JobID = job.ID()
			r.Status = status
			r.Summary = job.Summary()
			r.Failures = job.Failures()
			if err != nil {
				r.Error = err.Error()
			}
		}(&results[i])
	}
	wg.Wait()

	if err := printResults(results); err != nil {
		return err
	}
	for _, r := range results {
		if r.Error != "" || r.Status != engine.JobStatusSucceeded {
			return errors.New("one or more jobs did not succeed")
		}
	}
	return nil
}

func printResults(results []jobResult) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	rows := make([][]string, 0, len(results))
	for _, r := range results {
		status := string(r.Status)
		if r.Error != "" && status == "" {
			status = "rejected"
		}
		rows = append(rows, []string{
			r.Workflow, shortID(r.JobID), status,
			strconv.Itoa(r.Summary.Succeeded), strconv.Itoa(r.Summary.Failed), strconv.Itoa(r.Summary.Skipped),
		})
	}
	headers := []string{"WORKFLOW", "JOB", "STATUS", "SUCCEEDED", "FAILED", "SKIPPED"}
	if err := renderTable(os.Stdout, headers, rows, 2); err != nil {
		return err
	}

	for _, r := range results {
		if r.Error != "" {
			fmt.Printf("\n%s: %s\n", r.Workflow, r.Error)
		}
		for _, f := range r.Failures {
			if !f.Skipped {
				fmt.Printf("\n%s: task %s failed: %s\n", r.Workflow, f.Name, f.Reason)
			}
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
