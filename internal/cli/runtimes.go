package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRuntimesCmd creates the 'runtimes' command group
func NewRuntimesCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runtimes",
		Short: "Inspect and manage the runtime pool",
	}

	cmd.AddCommand(newRuntimesListCmd(a))
	cmd.AddCommand(newRuntimesRecycleCmd(a))
	cmd.AddCommand(newRuntimesClearQuarantineCmd(a))

	return cmd
}

// newRuntimesListCmd creates the 'runtimes list' command
func newRuntimesListCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List task runtimes",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := openService(a)
			if err != nil {
				return err
			}
			defer cleanup()

			runtimes, err := svc.Store().ListTaskRuntimes(cmd.Context())
			if err != nil {
				return err
			}

			displayRuntimes(cmd, runtimes)
			return nil
		},
	}
}

// newRuntimesRecycleCmd creates the 'runtimes recycle' command
// Flags: --all (bool)
func newRuntimesRecycleCmd(a *App) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "recycle [RUNTIME_ID]",
		Short: "Take runtimes out of rotation",
		Long: `Mark a runtime for recycling. Serving runtimes drain their runs
first; the serving process completes the drain and removes the
container. With --all every serving runtime is marked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("provide either a runtime id or --all")
			}

			svc, cleanup, err := openService(a)
			if err != nil {
				return err
			}
			defer cleanup()

			if !all {
				if err := svc.Pool().RecycleRuntime(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Runtime %s marked for recycling\n", args[0])
				return nil
			}

			runtimes, err := svc.Store().ListTaskRuntimes(cmd.Context())
			if err != nil {
				return err
			}
			marked := 0
			for _, rt := range runtimes {
				if rt.LifecycleState.IsTerminal() {
					continue
				}
				if err := svc.Pool().RecycleRuntime(cmd.Context(), rt.ID); err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Skipping %s: %v\n", rt.ID, err)
					continue
				}
				marked++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d runtime(s) marked for recycling\n", marked)
			return nil
		},
		Args: cobra.MaximumNArgs(1),
	}

	cmd.Flags().BoolVar(&all, "all", false, "Recycle every runtime")

	return cmd
}

// newRuntimesClearQuarantineCmd creates the 'runtimes clear-quarantine'
// command
func newRuntimesClearQuarantineCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-quarantine RUNTIME_ID",
		Short: "Return a quarantined runtime to rotation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := openService(a)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := svc.Pool().ClearQuarantine(cmd.Context(), args[0]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Runtime %s returned to rotation\n", args[0])
			return nil
		},
	}
}
