package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/RevCBH/switchyard/internal/model"
	"github.com/RevCBH/switchyard/internal/store"
)

// NewRunsCmd creates the 'runs' command group
func NewRunsCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and manage runs",
	}

	cmd.AddCommand(newRunsListCmd(a))
	cmd.AddCommand(newRunsGetCmd(a))
	cmd.AddCommand(newRunsCreateCmd(a))
	cmd.AddCommand(newRunsCancelCmd(a))
	cmd.AddCommand(newRunsRetryCmd(a))

	return cmd
}

// newRunsListCmd creates the 'runs list' command
// Flags: --state (comma-separated), --task, --repo, --limit
func newRunsListCmd(a *App) *cobra.Command {
	var (
		stateFilter string
		taskID      string
		repoID      string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Long: `List runs, newest last.

Use --state to filter by run state (comma-separated values).
Valid states: queued, running, pending_approval, succeeded, failed,
cancelled, obsolete`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := openService(a)
			if err != nil {
				return err
			}
			defer cleanup()

			filter := store.RunFilter{
				TaskID:       taskID,
				RepositoryID: repoID,
				States:       parseStateFilter(stateFilter),
				Limit:        limit,
			}
			runs, err := svc.Scheduler().ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}

			displayRuns(cmd, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&stateFilter, "state", "", "Filter by state (comma-separated)")
	cmd.Flags().StringVar(&taskID, "task", "", "Filter by task id")
	cmd.Flags().StringVar(&repoID, "repo", "", "Filter by repository id")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum runs to list (0 for all)")

	return cmd
}

// newRunsGetCmd creates the 'runs get' command
func newRunsGetCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "get RUN_ID",
		Short: "Show one run in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := openService(a)
			if err != nil {
				return err
			}
			defer cleanup()

			run, err := svc.Scheduler().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			displayRunDetail(cmd, run)
			return nil
		},
	}
}

// newRunsCreateCmd creates the 'runs create' command
func newRunsCreateCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "create TASK_ID",
		Short: "Enqueue a run for a task",
		Long: `Enqueue a run for the task. The run snapshots the task's
policies and waits for the serving process to admit it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := openService(a)
			if err != nil {
				return err
			}
			defer cleanup()

			run, err := svc.Scheduler().CreateRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Run %s queued for task %s\n", run.ID, run.TaskID)
			return nil
		},
		Args: cobra.ExactArgs(1),
	}
}

// newRunsCancelCmd creates the 'runs cancel' command
func newRunsCancelCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel a run",
		Long: `Cancel a run. A run that is queued or awaiting approval is
cancelled immediately; a running run is asked to stop, and the serving
process escalates to a container kill if the stop is not honored in
time. Cancelling a finished run is a no-op.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := openService(a)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := svc.Scheduler().CancelRun(cmd.Context(), args[0]); err != nil {
				return err
			}

			run, err := svc.Scheduler().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if run.State == model.RunCancelled {
				fmt.Fprintf(cmd.OutOrStdout(), "Run %s cancelled\n", run.ID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Stop requested for run %s\n", run.ID)
			}
			return nil
		},
	}
}

// newRunsRetryCmd creates the 'runs retry' command
func newRunsRetryCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "retry RUN_ID",
		Short: "Re-queue a finished or approval-parked run as a fresh attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := openService(a)
			if err != nil {
				return err
			}
			defer cleanup()

			run, err := svc.Scheduler().RetryRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Run %s queued (retry of %s)\n", run.ID, args[0])
			return nil
		},
	}
}

// parseStateFilter splits comma-separated states and trims whitespace
func parseStateFilter(filter string) []model.RunState {
	if filter == "" {
		return nil
	}
	parts := strings.Split(filter, ",")
	result := make([]model.RunState, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, model.RunState(trimmed))
		}
	}
	return result
}
