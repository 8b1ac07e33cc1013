package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/videodb/capture-agent/internal/config"
)

func versionString() string {
	return fmt.Sprintf("capture-agent %s (commit %s, built %s, %s/%s)",
		config.Version, config.GitCommit, config.BuildTime, runtime.GOOS, runtime.GOARCH)
}

func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
		},
	}
}
