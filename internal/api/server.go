package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/videodb/capture-agent/internal/agent"
	"github.com/videodb/capture-agent/internal/capture"
	"github.com/videodb/capture-agent/internal/cloud"
	"github.com/videodb/capture-agent/internal/journal"
)

// CaptureService is what the HTTP handlers drive; *agent.Service
// implements it.
type CaptureService interface {
	Status() agent.Status
	Channels(ctx context.Context) ([]*capture.Channel, error)
	RequestPermission(ctx context.Context, kind string) (bool, error)
	Start(ctx context.Context, req agent.StartRequest) (*journal.Session, error)
	Stop(ctx context.Context) (*journal.Session, error)
	PauseChannel(ctx context.Context, channelID string) error
	ResumeChannel(ctx context.Context, channelID string) error
	Sessions(ctx context.Context, limit int) ([]*journal.Session, error)
	Session(ctx context.Context, id string) (*journal.Session, error)
	SessionEvents(ctx context.Context, id string, limit int) ([]*journal.Event, error)
	RemoteSession(ctx context.Context, id string) (*cloud.CaptureSession, error)
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port      int
	Service   CaptureService
	Tokens    TokenStore
	Logger    *slog.Logger
	StartTime time.Time
	Version   string
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
	err := s.httpServer.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
