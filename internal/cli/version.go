package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewVersionCmd creates the version command
func NewVersionCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show build version and metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := app.versionInfo
			fmt.Fprintf(cmd.OutOrStdout(), "switchyard version %s\ncommit: %s\nbuilt: %s\n",
				orDefault(info.Version, "dev"),
				orDefault(info.Commit, "unknown"),
				orDefault(info.Date, "unknown"))
			return nil
		},
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
