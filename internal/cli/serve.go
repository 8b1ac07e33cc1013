package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/videodb/capture-agent/internal/agent"
	"github.com/videodb/capture-agent/internal/api"
	"github.com/videodb/capture-agent/internal/config"
	"github.com/videodb/capture-agent/internal/db"
	"github.com/videodb/capture-agent/internal/journal"
	"github.com/videodb/capture-agent/internal/logging"
	"github.com/videodb/capture-agent/internal/ui"
)

const shutdownGrace = 10 * time.Second

func NewServeCmd(deps *Dependencies) *cobra.Command {
	var headless bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent: local API and system tray",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), deps.Config, headless || deps.Config.Headless(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&headless, "headless", false, "run without the system tray")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, headless bool, out io.Writer) error {
	startTime := time.Now()

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	if cfg.LogFile() != "" {
		var closer io.Closer
		logger, closer = logging.NewFileLogger(cfg.LogLevel(), cfg.LogFile())
		defer closer.Close()
	}
	logger.Info("starting capture agent", "version", config.Version, "data_dir", logging.SanitizePath(cfg.DataDir()))

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := journal.NewRepository(database.Conn())

	authToken, err := ensureAuthToken(ctx, repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	printBanner(out, cfg.Port(), authToken)

	cloudClient := agent.NewCloudClient(cfg, logger)
	if cloudClient != nil {
		logger.Info("videodb api enabled", "api_url", cfg.APIURL(), "collection_id", cfg.CollectionID())
	}

	svc := agent.NewService(agent.Config{
		Repo:         repo,
		NewClient:    agent.NewCaptureFactory(cfg, logger),
		Cloud:        cloudClient,
		CollectionID: cfg.CollectionID(),
		Logger:       logger,
	})

	apiServer := api.NewServer(api.ServerConfig{
		Port:      cfg.Port(),
		Service:   svc,
		Tokens:    repo,
		Logger:    logger,
		StartTime: startTime,
		Version:   config.Version,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	quitCh := make(chan struct{})
	var tray *ui.Tray

	if headless {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray = ui.NewTray(ui.TrayConfig{
			Controller: svc,
			Logger:     logger,
			OnQuit: func() {
				close(quitCh)
			},
		})
		go tray.Run()
	}

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case <-quitCh:
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server error", "error", err)
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdown(logger, apiServer, svc)
	if tray != nil {
		tray.Quit()
	}

	logger.Info("shutdown complete")
	return runErr
}

func shutdown(logger *slog.Logger, server *api.Server, svc *agent.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := svc.Shutdown(ctx); err != nil {
		logger.Error("failed to stop recorder", "error", err)
	}
}

func printBanner(out io.Writer, port int, token string) {
	title := fmt.Sprintf("VIDEODB CAPTURE AGENT v%s", config.Version)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintf(out, "║ %-57s ║\n", centered(title, 57))
	fmt.Fprintln(out, "╠═══════════════════════════════════════════════════════════╣")
	fmt.Fprintf(out, "║  API URL:    http://127.0.0.1:%-27d ║\n", port)
	fmt.Fprintf(out, "║  Auth Token: %-45s ║\n", token)
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)
}

func centered(s string, width int) string {
	if len(s) >= width {
		return s
	}
	pad := (width - len(s)) / 2
	return fmt.Sprintf("%*s%s", pad, "", s)
}

// ensureAuthToken returns the local API bearer token, generating and
// storing one on first run.
func ensureAuthToken(ctx context.Context, repo journal.Repository) (string, error) {
	existing, err := repo.GetConfig(ctx, journal.ConfigAuthToken)
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, journal.ConfigAuthToken, token); err != nil {
		return "", err
	}

	return token, nil
}
