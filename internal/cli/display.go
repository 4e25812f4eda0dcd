package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/RevCBH/switchyard/internal/model"
)

// displayRuns renders a list of runs in tabular format using tabwriter.
// Columns: ID, State, Task, Repository, Attempt, Age, Error
func displayRuns(cmd *cobra.Command, runs []*model.Run) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tSTATE\tTASK\tREPOSITORY\tATTEMPT\tAGE\tERROR")

	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			run.ID,
			run.State,
			run.TaskID,
			run.RepositoryID,
			run.Attempt,
			formatAge(run.CreatedAt),
			run.ErrorCode,
		)
	}
}

// displayRunDetail renders a single run as aligned key/value rows.
// Optional fields (runtime, timestamps, error, summary) are omitted
// when empty.
func displayRunDetail(cmd *cobra.Command, run *model.Run) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "ID:\t%s\n", run.ID)
	fmt.Fprintf(w, "Task:\t%s\n", run.TaskID)
	fmt.Fprintf(w, "Repository:\t%s\n", run.RepositoryID)
	fmt.Fprintf(w, "State:\t%s\n", run.State)
	fmt.Fprintf(w, "Attempt:\t%d\n", run.Attempt)
	if run.DispatchedToRuntimeID != "" {
		fmt.Fprintf(w, "Runtime:\t%s\n", run.DispatchedToRuntimeID)
	}
	fmt.Fprintf(w, "Created:\t%s\n", formatTimestamp(run.CreatedAt))
	if run.StartedAt != nil {
		fmt.Fprintf(w, "Started:\t%s\n", formatTimestamp(*run.StartedAt))
	}
	if run.EndedAt != nil {
		fmt.Fprintf(w, "Ended:\t%s\n", formatTimestamp(*run.EndedAt))
		if run.StartedAt != nil {
			fmt.Fprintf(w, "Duration:\t%s\n", formatDuration(run.EndedAt.Sub(*run.StartedAt)))
		}
	}
	if run.CancelRequestedAt != nil {
		fmt.Fprintf(w, "Cancel requested:\t%s\n", formatTimestamp(*run.CancelRequestedAt))
	}
	if run.NotBefore != nil {
		fmt.Fprintf(w, "Not before:\t%s\n", formatTimestamp(*run.NotBefore))
	}
	if run.ErrorCode != "" {
		fmt.Fprintf(w, "Error code:\t%s\n", run.ErrorCode)
	}
	if run.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", run.Error)
	}
	if run.Summary != "" {
		fmt.Fprintf(w, "Summary:\t%s\n", run.Summary)
	}
}

// displayRuntimes renders a list of task runtimes in tabular format.
// Columns: ID, State, Slots, Host, Age, Last Beat
func displayRuntimes(cmd *cobra.Command, runtimes []*model.TaskRuntime) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tSTATE\tSLOTS\tHOST\tAGE\tLAST BEAT")

	for _, rt := range runtimes {
		beat := "never"
		if rt.LastHeartbeatAt != nil {
			beat = formatTime(*rt.LastHeartbeatAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			rt.ID,
			rt.LifecycleState,
			rt.ActiveSlots,
			rt.MaxSlots,
			rt.HostName,
			formatAge(rt.CreatedAt),
			beat,
		)
	}
}

// formatAge renders how long ago t was as a compact duration
func formatAge(t time.Time) string {
	return formatDuration(time.Since(t))
}

// formatDuration formats a duration in human-readable form (e.g., "2m30s")
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)

	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		if seconds > 0 {
			return fmt.Sprintf("%dm%ds", minutes, seconds)
		}
		return fmt.Sprintf("%dm", minutes)
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if minutes > 0 {
		return fmt.Sprintf("%dh%dm", hours, minutes)
	}
	return fmt.Sprintf("%dh", hours)
}

// formatTime formats a timestamp for table cells: HH:MM:SS
func formatTime(t time.Time) string {
	return t.Format("15:04:05")
}

// formatTimestamp includes the date, for detail views
func formatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05 MST")
}
