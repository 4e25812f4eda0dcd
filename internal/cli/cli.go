// Package cli wires the cobra command tree: serve runs the control
// plane, runs and runtimes are local-admin commands over the same
// database, version prints build info.
package cli

import (
	"github.com/spf13/cobra"
)

// versionInfo holds build-time metadata injected via ldflags
type versionInfo struct {
	Version string
	Commit  string
	Date    string
}

// App is the CLI application with its wired dependencies
type App struct {
	rootCmd *cobra.Command

	// cfgPath is the --config value shared by every subcommand
	cfgPath string
	verbose bool

	versionInfo versionInfo
}

// New creates the CLI application
func New() *App {
	app := &App{}
	app.setupRootCmd()
	return app
}

// Execute runs the CLI application
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetVersion sets the build metadata for the version command
func (a *App) SetVersion(version, commit, date string) {
	a.versionInfo = versionInfo{Version: version, Commit: commit, Date: date}
}

// setupRootCmd configures the root cobra command and its subcommands
func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "switchyard",
		Short: "Control plane for coding-agent runs",
		Long: `Switchyard schedules coding-agent runs onto a pool of task
runtimes: admission under concurrency caps, dispatch, liveness
tracking, retries, and a durable event stream per run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	a.rootCmd.PersistentFlags().StringVar(&a.cfgPath, "config", "",
		"Config file path (default switchyard.yaml, missing file uses defaults)")
	a.rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false,
		"Verbose output")

	a.rootCmd.AddCommand(NewServeCmd(a))
	a.rootCmd.AddCommand(NewRunsCmd(a))
	a.rootCmd.AddCommand(NewRuntimesCmd(a))
	a.rootCmd.AddCommand(NewVersionCmd(a))
}
