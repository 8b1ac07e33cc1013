package agent

import (
	"log/slog"

	"github.com/videodb/capture-agent/internal/capture"
	"github.com/videodb/capture-agent/internal/cloud"
	"github.com/videodb/capture-agent/internal/config"
	"github.com/videodb/capture-agent/internal/recorder"
)

// NewCaptureFactory returns a constructor for capture clients that locate
// the recorder binary from cfg. The binary is resolved when the client is
// created, so a missing runtime surfaces on first use rather than at startup.
func NewCaptureFactory(cfg config.Config, logger *slog.Logger) func() (CaptureClient, error) {
	return func() (CaptureClient, error) {
		locator := recorder.NewLocator(recorder.Config{
			Path:       cfg.RecorderPath(),
			InstallDir: cfg.RecorderDir(),
		})
		client, err := capture.New(capture.Options{
			APIURL:          cfg.APIURL(),
			Resolver:        locator,
			Logger:          logger,
			EventCapacity:   cfg.EventCapacity(),
			ShutdownTimeout: cfg.ShutdownTimeout(),
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// NewCloudClient returns a hosted API client, or nil when no API key is
// configured.
func NewCloudClient(cfg config.Config, logger *slog.Logger) cloud.Client {
	if cfg.APIKey() == "" {
		return nil
	}
	return cloud.NewHTTPClient(cfg.APIURL(), cfg.APIKey(), logger)
}
