package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/videodb/capture-agent/internal/agent"
	"github.com/videodb/capture-agent/internal/capture"
)

func NewPermissionCmd(deps *Dependencies) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:       "permission <microphone|screen_capture>",
		Short:     "Ask the OS to grant a capture permission",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{capture.PermissionMicrophone, capture.PermissionScreenCapture},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := args[0]
			return withClient(cmd, deps, timeout, func(ctx context.Context, c agent.CaptureClient) error {
				granted, err := c.RequestPermission(ctx, kind)
				if err != nil {
					return err
				}
				f := newFormatter(cmd.OutOrStdout())
				if granted {
					f.Success(fmt.Sprintf("%s permission granted", kind))
				} else {
					f.Warning(fmt.Sprintf("%s permission denied; enable it in the system privacy settings", kind))
				}
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for the permission prompt")
	return cmd
}
