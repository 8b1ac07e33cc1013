package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/videodb/capture-agent/internal/agent"
	"github.com/videodb/capture-agent/internal/logging"
)

const defaultCommandTimeout = 30 * time.Second

// withClient starts a one-off capture client, runs fn and shuts the recorder
// down again.
func withClient(cmd *cobra.Command, deps *Dependencies, timeout time.Duration, fn func(ctx context.Context, c agent.CaptureClient) error) error {
	logger := logging.NewLoggerTo(cmd.ErrOrStderr(), "warn")
	client, err := agent.NewCaptureFactory(deps.Config, logger)()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	runErr := fn(ctx, client)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), deps.Config.ShutdownTimeout()+time.Second)
	defer shutdownCancel()
	if err := client.Shutdown(shutdownCtx); err != nil && runErr == nil {
		return fmt.Errorf("stopping recorder: %w", err)
	}
	return runErr
}

func NewChannelsCmd(deps *Dependencies) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List audio and video sources the recorder can capture",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, deps, timeout, func(ctx context.Context, c agent.CaptureClient) error {
				channels, err := c.ListChannels(ctx)
				if err != nil {
					return err
				}
				newFormatter(cmd.OutOrStdout()).Channels(channels)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", defaultCommandTimeout, "how long to wait for the recorder")
	return cmd
}
