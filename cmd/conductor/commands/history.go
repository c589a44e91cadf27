package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/secfleet/conductor/pkg/engine"
	"github.com/secfleet/conductor/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect finished jobs",
		Long: `Inspect the job history store.

Every job that reaches a terminal status is recorded with its tasks,
their outcomes and failure reasons.`,
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

// withStore opens the configured history store for one command.
func withStore(ctx context.Context, fn func(stores.Store) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := stores.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newHistoryListCommand() *cobra.Command {
	var (
		limit  int
		offset int
		ref    string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		Example: `  # Last 20 jobs
  conductor history list

  # Jobs that touched a security group
  conductor history list --ref security-group/7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(s stores.Store) error {
				var (
					jobs []engine.JobRecord
					err  error
				)
				if ref != "" {
					r, perr := parseReference(ref)
					if perr != nil {
						return perr
					}
					jobs, err = s.ListJobsByReference(cmd.Context(), r, limit)
				} else {
					jobs, err = s.ListJobs(cmd.Context(), limit, offset)
				}
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(jobs)
				}

				rows := make([][]string, 0, len(jobs))
				for _, j := range jobs {
					rows = append(rows, []string{
						j.ID, j.Name, string(j.Status),
						strconv.Itoa(j.Summary.Total), strconv.Itoa(j.Summary.Failed),
						j.SubmittedAt.Local().Format(time.DateTime), j.Duration().Round(time.Millisecond).String(),
					})
				}
				return renderTable(os.Stdout,
					[]string{"ID", "NAME", "STATUS", "TASKS", "FAILED", "SUBMITTED", "DURATION"}, rows, 2)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of jobs to skip")
	cmd.Flags().StringVar(&ref, "ref", "", "only jobs referencing kind/id")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(s stores.Store) error {
				rec, err := s.GetJob(cmd.Context(), args[0])
				if errors.Is(err, stores.ErrJobNotFound) {
					return fmt.Errorf("job %s not found", args[0])
				}
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(rec)
				}

				fmt.Printf("Job:       %s\n", rec.ID)
				fmt.Printf("Name:      %s\n", rec.Name)
				fmt.Printf("Status:    %s\n", rec.Status)
				fmt.Printf("Submitted: %s\n", rec.SubmittedAt.Local().Format(time.RFC3339))
				fmt.Printf("Duration:  %s\n", rec.Duration())
				if len(rec.References) > 0 {
					refs := make([]string, len(rec.References))
					for i, r := range rec.References {
						refs[i] = r.String()
					}
					fmt.Printf("Objects:   %s\n", strings.Join(refs, ", "))
				}
				fmt.Println()

				rows := make([][]string, 0, len(rec.Tasks))
				for _, t := range rec.Tasks {
					rows = append(rows, []string{t.Name, string(t.Guard), outcome(t), t.FailureReason})
				}
				return renderTable(os.Stdout, []string{"TASK", "GUARD", "OUTCOME", "REASON"}, rows, 2)
			})
		},
	}
}

func outcome(n engine.NodeSnapshot) string {
	switch {
	case n.State != engine.TaskStateCompleted:
		return string(n.State)
	case n.Skipped:
		return "skipped"
	case n.Succeeded:
		return "succeeded"
	default:
		return "failed"
	}
}

func newHistoryPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old job history",
		Example: `  # Keep one week of history
  conductor history prune --older-than 168h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			return withStore(cmd.Context(), func(s stores.Store) error {
				n, err := s.DeleteJobsBefore(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				log.Info().Int64("deleted", n).Dur("older_than", olderThan).Msg("History pruned")
				fmt.Printf("Deleted %d jobs\n", n)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete jobs completed before this age")

	return cmd
}

// parseReference parses kind/id.
func parseReference(s string) (engine.ObjectReference, error) {
	kind, id, ok := strings.Cut(s, "/")
	if !ok {
		return engine.ObjectReference{}, fmt.Errorf("reference %q must be kind/id", s)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return engine.ObjectReference{}, fmt.Errorf("reference %q: invalid id: %w", s, err)
	}
	ref := engine.NewObjectReference(engine.ObjectKind(kind), n, "")
	return ref, ref.Validate()
}
