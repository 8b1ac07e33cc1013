// Package agent is the capture service behind the local API and the tray:
// it owns the capture client, resolves channel IDs, obtains upload tokens
// and journals each session.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/videodb/capture-agent/internal/capture"
	"github.com/videodb/capture-agent/internal/cloud"
	"github.com/videodb/capture-agent/internal/journal"
	"github.com/videodb/capture-agent/internal/logging"
)

// CaptureClient is the capture.Client surface the service drives.
type CaptureClient interface {
	ListChannels(ctx context.Context) ([]*capture.Channel, error)
	RequestPermission(ctx context.Context, kind string) (bool, error)
	SetSession(sessionID, sessionToken string) error
	StartCapture(ctx context.Context, channels []*capture.Channel, opts capture.StartOptions) error
	StopCapture(ctx context.Context) error
	PauseChannel(ctx context.Context, ch *capture.Channel) error
	ResumeChannel(ctx context.Context, ch *capture.Channel) error
	Paused(channelID string) bool
	Next(ctx context.Context) (capture.Event, error)
	State() capture.SessionState
	Running() bool
	DroppedEvents() uint64
	Shutdown(ctx context.Context) error
}

// EventStream is a hosted realtime connection whose messages are journaled
// alongside recorder events.
type EventStream interface {
	ConnectionID() string
	Receive(ctx context.Context) (map[string]any, error)
	Close() error
}

// Dialer opens an EventStream.
type Dialer func(ctx context.Context, url string) (EventStream, error)

// Status states reported to the API and tray.
const (
	StateIdle      = "idle"
	StateRecording = "recording"
	StateStopped   = "stopped"
	StateLost      = "lost"
)

// Status is a snapshot of the capture service.
type Status struct {
	State           string   `json:"state"`
	SessionID       string   `json:"session_id,omitempty"`
	RecorderRunning bool     `json:"recorder_running"`
	Channels        []string `json:"channels,omitempty"`
	PausedChannels  []string `json:"paused_channels,omitempty"`
	DroppedEvents   uint64   `json:"dropped_events"`
	LastError       string   `json:"last_error,omitempty"`
}

// StartRequest describes a capture to start. SessionToken may be empty when
// a hosted API client is configured; one is generated then.
type StartRequest struct {
	SessionID             string
	SessionToken          string
	CollectionID          string
	ChannelIDs            []string
	PrimaryVideoChannelID string
	WSConnectionID        string
	WSURL                 string
	CallbackURL           string
}

type Config struct {
	Repo         journal.Repository
	NewClient    func() (CaptureClient, error)
	Cloud        cloud.Client
	CollectionID string
	Dial         Dialer
	TokenTTL     time.Duration
	Logger       *slog.Logger
}

type session struct {
	id       string
	channels map[string]*capture.Channel
	order    []string
	cancel   context.CancelFunc
	done     chan struct{}
}

// Service serializes capture operations. One recorder client is created on
// first use and reused for the life of the service.
type Service struct {
	cfg    Config
	repo   journal.Repository
	pump   *journal.Recorder
	logger *slog.Logger

	// opMu serializes start, stop and shutdown.
	opMu sync.Mutex

	mu        sync.Mutex
	client    CaptureClient
	current   *session
	lastError string
}

func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, url string) (EventStream, error) {
			return cloud.DialWebSocket(ctx, url, http.Header{}, logger)
		}
	}
	return &Service{
		cfg:    cfg,
		repo:   cfg.Repo,
		pump:   journal.NewRecorder(cfg.Repo, logger),
		logger: logging.WithComponent(logger, "agent"),
	}
}

func (s *Service) captureClient() (CaptureClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	c, err := s.cfg.NewClient()
	if err != nil {
		return nil, err
	}
	s.client = c
	return c, nil
}

// Channels lists the recorder's capture sources.
func (s *Service) Channels(ctx context.Context) ([]*capture.Channel, error) {
	c, err := s.captureClient()
	if err != nil {
		return nil, err
	}
	return c.ListChannels(ctx)
}

func (s *Service) RequestPermission(ctx context.Context, kind string) (bool, error) {
	c, err := s.captureClient()
	if err != nil {
		return false, err
	}
	return c.RequestPermission(ctx, kind)
}

// Start begins a capture of the requested channels and opens a journal
// entry for it.
func (s *Service) Start(ctx context.Context, req StartRequest) (*journal.Session, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if req.SessionID == "" {
		return nil, &capture.ValidationError{Field: "session_id", Message: "a capture session id is required"}
	}
	if len(req.ChannelIDs) == 0 {
		return nil, &capture.ValidationError{Field: "channel_ids", Message: "at least one channel must be specified for capture"}
	}
	if req.CollectionID == "" {
		req.CollectionID = s.cfg.CollectionID
	}

	c, err := s.captureClient()
	if err != nil {
		return nil, err
	}
	if c.State() == capture.StateActive {
		return nil, capture.ErrSessionActive
	}

	available, err := c.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	selected, err := selectChannels(available, req.ChannelIDs)
	if err != nil {
		return nil, err
	}

	token, err := s.sessionToken(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.SetSession(req.SessionID, token); err != nil {
		return nil, err
	}

	logger := logging.WithSessionID(s.logger, req.SessionID)

	var stream EventStream
	if req.WSURL != "" && req.WSConnectionID == "" {
		stream, err = s.cfg.Dial(ctx, req.WSURL)
		if err != nil {
			return nil, fmt.Errorf("connect event websocket: %w", err)
		}
		req.WSConnectionID = stream.ConnectionID()
	}

	s.endPumps()
	err = c.StartCapture(ctx, selected, capture.StartOptions{
		PrimaryVideoChannelID: req.PrimaryVideoChannelID,
		WSConnectionID:        req.WSConnectionID,
		CallbackURL:           req.CallbackURL,
	})
	if err != nil {
		if stream != nil {
			stream.Close()
		}
		s.setError(err)
		return nil, err
	}

	ids := make([]string, len(selected))
	for i, ch := range selected {
		ids[i] = ch.ID
	}
	rec := &journal.Session{
		ID:           req.SessionID,
		CollectionID: req.CollectionID,
		Status:       journal.SessionStatusActive,
		ChannelIDs:   ids,
	}
	if err := s.repo.CreateSession(ctx, rec); err != nil {
		logger.Error("failed to journal capture session", "error", err)
	}

	s.beginSession(c, req.SessionID, selected, stream)
	logger.Info("capture session started",
		"channels", ids,
		"token", logging.SanitizeToken(token),
		"ws_connection_id", req.WSConnectionID,
	)
	return rec, nil
}

func selectChannels(available []*capture.Channel, ids []string) ([]*capture.Channel, error) {
	byID := make(map[string]*capture.Channel, len(available))
	for _, ch := range available {
		byID[ch.ID] = ch
	}

	selected := make([]*capture.Channel, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		ch, ok := byID[id]
		if !ok {
			return nil, &capture.ValidationError{Field: "channel_ids", Message: fmt.Sprintf("unknown channel %q", id)}
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		selected = append(selected, ch)
	}
	return selected, nil
}

func (s *Service) sessionToken(ctx context.Context, req StartRequest) (string, error) {
	if req.SessionToken != "" {
		return req.SessionToken, nil
	}
	if s.cfg.Cloud == nil || req.CollectionID == "" {
		return "", &capture.ValidationError{
			Field:   "session_token",
			Message: "a session token is required when no VideoDB API key and collection are configured",
		}
	}
	token, err := s.cfg.Cloud.GenerateSessionToken(ctx, req.CollectionID, req.SessionID, s.cfg.TokenTTL)
	if err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return token, nil
}

// endPumps stops the event pumps of the previous session so that events of
// the next one are not attributed to it.
func (s *Service) endPumps() {
	s.mu.Lock()
	prev := s.current
	s.mu.Unlock()
	if prev != nil {
		prev.cancel()
		<-prev.done
	}
}

// beginSession starts the event pumps for sessionID.
func (s *Service) beginSession(c CaptureClient, sessionID string, channels []*capture.Channel, stream EventStream) {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:       sessionID,
		channels: make(map[string]*capture.Channel, len(channels)),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, ch := range channels {
		sess.channels[ch.ID] = ch
		sess.order = append(sess.order, ch.ID)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n, err := s.pump.Run(ctx, sessionID, c)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("event pump stopped", "session_id", sessionID, "error", err)
		}
		s.logger.Debug("event pump finished", "session_id", sessionID, "events", n)
		if ctx.Err() == nil {
			s.recorderGone(sessionID)
		}
	}()
	if stream != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.pumpStream(ctx, sessionID, stream)
		}()
	}
	go func() {
		wg.Wait()
		close(sess.done)
	}()

	s.mu.Lock()
	s.current = sess
	s.lastError = ""
	s.mu.Unlock()
}

// pumpStream journals websocket messages until ctx ends or the stream fails.
func (s *Service) pumpStream(ctx context.Context, sessionID string, stream EventStream) {
	defer stream.Close()
	for {
		msg, err := stream.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("event websocket closed", "session_id", sessionID, "error", err)
			}
			return
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		entry := &journal.Event{SessionID: sessionID, Name: "ws:" + messageName(msg), Payload: payload}
		if err := s.repo.AppendEvent(ctx, entry); err != nil && ctx.Err() == nil {
			s.logger.Error("failed to journal websocket message", "session_id", sessionID, "error", err)
		}
	}
}

func messageName(msg map[string]any) string {
	for _, key := range []string{"event", "type", "channel"} {
		if v, ok := msg[key].(string); ok && v != "" {
			return v
		}
	}
	return "message"
}

// recorderGone runs when the recorder's event stream ends on its own. A
// session that was still active is journaled as lost.
func (s *Service) recorderGone(sessionID string) {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()

	if c == nil || c.State() != capture.StateLost {
		return
	}
	s.setError(capture.ErrProcessExited)
	err := s.repo.UpdateSessionStatus(context.Background(), sessionID, journal.SessionStatusLost, capture.ErrProcessExited.Error())
	if err != nil {
		s.logger.Error("failed to journal lost session", "session_id", sessionID, "error", err)
	}
	s.logger.Warn("capture session lost", "session_id", sessionID)
}

// Stop ends the active capture.
func (s *Service) Stop(ctx context.Context) (*journal.Session, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	c, sess := s.client, s.current
	s.mu.Unlock()
	if c == nil || sess == nil {
		return nil, capture.ErrSessionNotActive
	}

	err := c.StopCapture(ctx)
	switch {
	case errors.Is(err, capture.ErrProcessExited):
		s.setError(err)
		s.journalStatus(ctx, sess.id, journal.SessionStatusLost, err.Error())
		return nil, err
	case err != nil:
		s.setError(err)
		return nil, err
	}

	s.journalStatus(ctx, sess.id, journal.SessionStatusStopped, "")
	logging.WithSessionID(s.logger, sess.id).Info("capture session stopped")

	rec, err := s.repo.GetSession(ctx, sess.id)
	if err != nil || rec == nil {
		return &journal.Session{ID: sess.id, Status: journal.SessionStatusStopped}, nil
	}
	return rec, nil
}

func (s *Service) journalStatus(ctx context.Context, id, status, msg string) {
	if err := s.repo.UpdateSessionStatus(ctx, id, status, msg); err != nil {
		s.logger.Error("failed to update session status", "session_id", id, "status", status, "error", err)
	}
}

// PauseChannel pauses one channel of the active session.
func (s *Service) PauseChannel(ctx context.Context, channelID string) error {
	c, ch, err := s.sessionChannel(channelID)
	if err != nil {
		return err
	}
	return c.PauseChannel(ctx, ch)
}

func (s *Service) ResumeChannel(ctx context.Context, channelID string) error {
	c, ch, err := s.sessionChannel(channelID)
	if err != nil {
		return err
	}
	return c.ResumeChannel(ctx, ch)
}

func (s *Service) sessionChannel(channelID string) (CaptureClient, *capture.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil || s.current == nil {
		return nil, nil, capture.ErrSessionNotActive
	}
	ch, ok := s.current.channels[channelID]
	if !ok {
		return nil, nil, &capture.ValidationError{Field: "channel", Message: fmt.Sprintf("channel %q is not part of the session", channelID)}
	}
	return s.client, ch, nil
}

// Status reports the capture state without starting the recorder.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{State: StateIdle, LastError: s.lastError}
	if s.client == nil {
		return st
	}

	st.RecorderRunning = s.client.Running()
	st.DroppedEvents = s.client.DroppedEvents()

	switch s.client.State() {
	case capture.StateActive:
		st.State = StateRecording
	case capture.StateStopped:
		st.State = StateStopped
	case capture.StateLost:
		st.State = StateLost
	}

	if s.current != nil {
		st.SessionID = s.current.id
		st.Channels = append([]string(nil), s.current.order...)
		if st.State == StateRecording {
			for _, id := range s.current.order {
				if s.client.Paused(id) {
					st.PausedChannels = append(st.PausedChannels, id)
				}
			}
			sort.Strings(st.PausedChannels)
		}
	}
	return st
}

// StatusLine is the one-line tray summary.
func (s *Service) StatusLine() string {
	st := s.Status()
	switch st.State {
	case StateRecording:
		if len(st.PausedChannels) > 0 {
			return fmt.Sprintf("Recording (%d paused)", len(st.PausedChannels))
		}
		return "Recording"
	case StateLost:
		return "Recorder stopped unexpectedly"
	default:
		return "Idle"
	}
}

// Recording reports whether a capture is active.
func (s *Service) Recording() bool {
	return s.Status().State == StateRecording
}

// StopCapture stops the active capture for the tray.
func (s *Service) StopCapture(ctx context.Context) error {
	_, err := s.Stop(ctx)
	return err
}

func (s *Service) Sessions(ctx context.Context, limit int) ([]*journal.Session, error) {
	return s.repo.ListSessions(ctx, limit)
}

func (s *Service) Session(ctx context.Context, id string) (*journal.Session, error) {
	return s.repo.GetSession(ctx, id)
}

// ErrCloudDisabled is returned by hosted API lookups when no API key is
// configured.
var ErrCloudDisabled = errors.New("videodb api key not configured")

// RemoteSession fetches the hosted record of a capture session. The
// collection comes from the journal entry, else the configured default.
func (s *Service) RemoteSession(ctx context.Context, id string) (*cloud.CaptureSession, error) {
	if s.cfg.Cloud == nil {
		return nil, ErrCloudDisabled
	}
	collectionID := s.cfg.CollectionID
	rec, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.CollectionID != "" {
		collectionID = rec.CollectionID
	}
	if collectionID == "" {
		return nil, &capture.ValidationError{Field: "collection_id", Message: "no collection known for session " + id}
	}
	return s.cfg.Cloud.GetCaptureSession(ctx, collectionID, id)
}

func (s *Service) SessionEvents(ctx context.Context, id string, limit int) ([]*journal.Event, error) {
	return s.repo.ListEvents(ctx, id, limit)
}

// Shutdown stops the recorder and the event pumps. An active session is
// journaled as stopped.
func (s *Service) Shutdown(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	c, sess := s.client, s.current
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	if sess != nil && c.State() == capture.StateActive {
		s.journalStatus(ctx, sess.id, journal.SessionStatusStopped, "agent shut down")
	}

	err := c.Shutdown(ctx)
	if sess != nil {
		sess.cancel()
		select {
		case <-sess.done:
		case <-ctx.Done():
		}
	}
	return err
}

func (s *Service) setError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}
