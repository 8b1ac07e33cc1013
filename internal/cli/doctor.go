package cli

import (
	"github.com/spf13/cobra"

	"github.com/videodb/capture-agent/internal/config"
	"github.com/videodb/capture-agent/internal/recorder"
)

type fileConfig interface {
	File() string
}

func NewDoctorCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the capture runtime and configuration are in place",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config
			f := newFormatter(cmd.OutOrStdout())
			ok := true

			locator := recorder.NewLocator(recorder.Config{Path: cfg.RecorderPath(), InstallDir: cfg.RecorderDir()})
			if path, err := locator.Resolve(); err != nil {
				f.Check("Capture runtime", false, err.Error())
				ok = false
			} else {
				f.Check("Capture runtime", true, path)
			}

			if fc, isFile := cfg.(fileConfig); isFile {
				if fc.File() != "" {
					f.Check("Config file", true, fc.File())
				} else {
					f.Check("Config file", true, "none (using defaults and environment)")
				}
			}

			if cfg.APIKey() != "" {
				f.Check("VideoDB API key", true, "configured")
			} else {
				f.Check("VideoDB API key", false, "not set; callers must pass session_token. Set "+config.EnvAPIKey+" or api_key")
			}

			if cfg.CollectionID() != "" {
				f.Check("Default collection", true, cfg.CollectionID())
			} else {
				f.Check("Default collection", false, "not set. Set "+config.EnvCollectionID+" or collection_id")
			}

			f.Check("Data directory", true, cfg.DataDir())

			f.Info("")
			if ok {
				f.Success("Ready to capture.")
			} else {
				f.Warning("The capture runtime is missing.")
			}
			return nil
		},
	}
}
