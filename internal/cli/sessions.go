package cli

import (
	"github.com/spf13/cobra"

	"github.com/videodb/capture-agent/internal/db"
	"github.com/videodb/capture-agent/internal/journal"
	"github.com/videodb/capture-agent/internal/logging"
)

func NewSessionsCmd(deps *Dependencies) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent capture sessions from the local journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := db.New(deps.Config.DBPath(), logging.NewLoggerTo(cmd.ErrOrStderr(), "warn"))
			if err != nil {
				return err
			}
			defer database.Close()

			sessions, err := journal.NewRepository(database.Conn()).ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			newFormatter(cmd.OutOrStdout()).Sessions(sessions)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of sessions to show")
	return cmd
}
