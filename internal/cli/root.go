// Package cli wires the capture agent's commands.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/videodb/capture-agent/internal/config"
)

// Dependencies are shared by every command.
type Dependencies struct {
	Config config.Config
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "capture-agent",
		Short: "Local VideoDB capture agent",
		Long: "Runs the VideoDB capture runtime on this machine and exposes it " +
			"through a local HTTP API and a system tray menu.",
		SilenceUsage: true,
	}

	rootCmd.Version = config.Version
	rootCmd.SetVersionTemplate(versionString() + "\n")

	serve := NewServeCmd(deps)
	rootCmd.RunE = serve.RunE
	rootCmd.Flags().AddFlagSet(serve.Flags())

	rootCmd.AddCommand(serve)
	rootCmd.AddCommand(NewChannelsCmd(deps))
	rootCmd.AddCommand(NewPermissionCmd(deps))
	rootCmd.AddCommand(NewSessionsCmd(deps))
	rootCmd.AddCommand(NewDoctorCmd(deps))
	rootCmd.AddCommand(NewVersionCmd())

	return rootCmd
}
