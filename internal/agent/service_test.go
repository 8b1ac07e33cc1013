package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/videodb/capture-agent/internal/capture"
	"github.com/videodb/capture-agent/internal/cloud"
	"github.com/videodb/capture-agent/internal/db"
	"github.com/videodb/capture-agent/internal/journal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClient struct {
	mu         sync.Mutex
	channels   []*capture.Channel
	state      capture.SessionState
	sessionID  string
	token      string
	started    []*capture.Channel
	startOpts  capture.StartOptions
	startErr   error
	stopErr    error
	paused     map[string]bool
	shutdown   bool
	events     chan capture.Event
	closeOnce  sync.Once
	permission map[string]bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		channels: []*capture.Channel{
			capture.NewChannel("mic:default", "Default Mic", capture.KindAudio),
			capture.NewChannel("display:1", "Main Display", capture.KindVideo),
		},
		state:      capture.StateIdle,
		paused:     map[string]bool{},
		events:     make(chan capture.Event, 16),
		permission: map[string]bool{"microphone": true},
	}
}

func (f *fakeClient) ListChannels(ctx context.Context) ([]*capture.Channel, error) {
	return f.channels, nil
}

func (f *fakeClient) RequestPermission(ctx context.Context, kind string) (bool, error) {
	granted, ok := f.permission[kind]
	if !ok {
		return false, &capture.ValidationError{Field: "permission", Message: "unknown"}
	}
	return granted, nil
}

func (f *fakeClient) SetSession(sessionID, sessionToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionID, f.token = sessionID, sessionToken
	return nil
}

func (f *fakeClient) StartCapture(ctx context.Context, channels []*capture.Channel, opts capture.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started, f.startOpts = channels, opts
	f.state = capture.StateActive
	f.paused = map[string]bool{}
	return nil
}

func (f *fakeClient) StopCapture(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		if errors.Is(f.stopErr, capture.ErrProcessExited) {
			f.state = capture.StateStopped
		}
		return f.stopErr
	}
	if f.state != capture.StateActive {
		return capture.ErrSessionNotActive
	}
	f.state = capture.StateStopped
	return nil
}

func (f *fakeClient) PauseChannel(ctx context.Context, ch *capture.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[ch.ID] = true
	return nil
}

func (f *fakeClient) ResumeChannel(ctx context.Context, ch *capture.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.paused, ch.ID)
	return nil
}

func (f *fakeClient) Paused(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused[id]
}

func (f *fakeClient) Next(ctx context.Context) (capture.Event, error) {
	select {
	case ev, ok := <-f.events:
		if !ok {
			return capture.Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return capture.Event{}, ctx.Err()
	}
}

func (f *fakeClient) State() capture.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeClient) Running() bool         { return true }
func (f *fakeClient) DroppedEvents() uint64 { return 3 }

func (f *fakeClient) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	f.shutdown = true
	if f.state == capture.StateActive {
		f.state = capture.StateStopped
	}
	f.mu.Unlock()
	f.closeEvents()
	return nil
}

func (f *fakeClient) emit(name string, payload string) {
	f.events <- capture.Event{Name: name, Payload: json.RawMessage(payload), ReceivedAt: time.Now().UTC()}
}

func (f *fakeClient) closeEvents() {
	f.closeOnce.Do(func() { close(f.events) })
}

// die simulates the recorder exiting under an active session.
func (f *fakeClient) die() {
	f.mu.Lock()
	f.state = capture.StateLost
	f.mu.Unlock()
	f.closeEvents()
}

type fakeCloud struct {
	token string
	err   error
	calls []string
}

func (c *fakeCloud) GetCaptureSession(ctx context.Context, collectionID, sessionID string) (*cloud.CaptureSession, error) {
	return &cloud.CaptureSession{ID: sessionID, CollectionID: collectionID, Status: "recording"}, nil
}

func (c *fakeCloud) GenerateSessionToken(ctx context.Context, collectionID, sessionID string, ttl time.Duration) (string, error) {
	c.calls = append(c.calls, collectionID+"/"+sessionID)
	return c.token, c.err
}

type fakeStream struct {
	id     string
	msgs   chan map[string]any
	closed chan struct{}
	once   sync.Once
}

func newFakeStream(id string) *fakeStream {
	return &fakeStream{id: id, msgs: make(chan map[string]any, 4), closed: make(chan struct{})}
}

func (s *fakeStream) ConnectionID() string { return s.id }

func (s *fakeStream) Receive(ctx context.Context) (map[string]any, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case <-s.closed:
		return nil, errors.New("closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type harness struct {
	svc    *Service
	client *fakeClient
	repo   *journal.SQLiteRepository
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "agent.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	h := &harness{client: newFakeClient(), repo: journal.NewRepository(database.Conn())}
	cfg.Repo = h.repo
	cfg.Logger = testLogger()
	if cfg.NewClient == nil {
		cfg.NewClient = func() (CaptureClient, error) { return h.client, nil }
	}
	h.svc = NewService(cfg)
	t.Cleanup(func() { h.svc.Shutdown(context.Background()) })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	_, err := h.svc.Start(context.Background(), StartRequest{
		SessionID:    "cap-1",
		SessionToken: "tok-1",
		CollectionID: "c-1",
		ChannelIDs:   []string{"mic:default", "display:1"},
	})
	require.NoError(t, err)
}

func TestService_StatusBeforeUse(t *testing.T) {
	calls := 0
	h := newHarness(t, Config{NewClient: func() (CaptureClient, error) {
		calls++
		return nil, errors.New("should not be called")
	}})

	st := h.svc.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.False(t, st.RecorderRunning)
	assert.Equal(t, 0, calls)
	assert.Equal(t, "Idle", h.svc.StatusLine())
}

func TestService_ClientFactoryError(t *testing.T) {
	wantErr := errors.New("runtime not found")
	h := newHarness(t, Config{NewClient: func() (CaptureClient, error) { return nil, wantErr }})

	_, err := h.svc.Channels(context.Background())
	assert.ErrorIs(t, err, wantErr)
}

func TestService_StartJournalsSession(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)

	assert.Equal(t, "cap-1", h.client.sessionID)
	assert.Equal(t, "tok-1", h.client.token)
	require.Len(t, h.client.started, 2)
	assert.Equal(t, "mic:default", h.client.started[0].ID)

	rec, err := h.repo.GetSession(context.Background(), "cap-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, journal.SessionStatusActive, rec.Status)
	assert.Equal(t, "c-1", rec.CollectionID)
	assert.Equal(t, []string{"mic:default", "display:1"}, rec.ChannelIDs)

	st := h.svc.Status()
	assert.Equal(t, StateRecording, st.State)
	assert.Equal(t, "cap-1", st.SessionID)
	assert.Equal(t, uint64(3), st.DroppedEvents)
	assert.Equal(t, "Recording", h.svc.StatusLine())
	assert.True(t, h.svc.Recording())
}

func TestService_StartValidation(t *testing.T) {
	tests := []struct {
		name  string
		req   StartRequest
		field string
	}{
		{"no session", StartRequest{SessionToken: "t", ChannelIDs: []string{"mic:default"}}, "session_id"},
		{"no channels", StartRequest{SessionID: "s", SessionToken: "t"}, "channel_ids"},
		{"unknown channel", StartRequest{SessionID: "s", SessionToken: "t", ChannelIDs: []string{"cam:9"}}, "channel_ids"},
		{"no token and no cloud", StartRequest{SessionID: "s", ChannelIDs: []string{"mic:default"}}, "session_token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			_, err := h.svc.Start(context.Background(), tt.req)

			var vErr *capture.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
			assert.Nil(t, h.client.started)
		})
	}
}

func TestService_StartDeduplicatesChannels(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.svc.Start(context.Background(), StartRequest{
		SessionID:    "cap-1",
		SessionToken: "t",
		ChannelIDs:   []string{"mic:default", "mic:default"},
	})
	require.NoError(t, err)
	assert.Len(t, h.client.started, 1)
}

func TestService_StartGeneratesToken(t *testing.T) {
	cl := &fakeCloud{token: "generated"}
	h := newHarness(t, Config{Cloud: cl, CollectionID: "c-default"})

	_, err := h.svc.Start(context.Background(), StartRequest{
		SessionID:  "cap-1",
		ChannelIDs: []string{"mic:default"},
	})
	require.NoError(t, err)
	assert.Equal(t, "generated", h.client.token)
	assert.Equal(t, []string{"c-default/cap-1"}, cl.calls)
}

func TestService_StartTokenError(t *testing.T) {
	cl := &fakeCloud{err: errors.New("quota exceeded")}
	h := newHarness(t, Config{Cloud: cl, CollectionID: "c-1"})

	_, err := h.svc.Start(context.Background(), StartRequest{SessionID: "cap-1", ChannelIDs: []string{"mic:default"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.Nil(t, h.client.started)
}

func TestService_StartWhileActive(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)

	_, err := h.svc.Start(context.Background(), StartRequest{SessionID: "cap-2", SessionToken: "t", ChannelIDs: []string{"mic:default"}})
	assert.ErrorIs(t, err, capture.ErrSessionActive)
}

func TestService_StartRecorderRejects(t *testing.T) {
	h := newHarness(t, Config{})
	h.client.startErr = &capture.CommandError{Command: "startRecording", Message: "no permission"}

	_, err := h.svc.Start(context.Background(), StartRequest{SessionID: "cap-1", SessionToken: "t", ChannelIDs: []string{"display:1"}})
	require.Error(t, err)
	assert.Equal(t, err.Error(), h.svc.Status().LastError)

	rec, err := h.repo.GetSession(context.Background(), "cap-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestService_EventsAreJournaled(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)

	h.client.emit("recording:started", `{"sessionId":"cap-1"}`)
	h.client.emit("transcript", `{"text":"hi"}`)

	require.Eventually(t, func() bool {
		events, err := h.svc.SessionEvents(context.Background(), "cap-1", 0)
		return err == nil && len(events) == 2
	}, 2*time.Second, 10*time.Millisecond)

	events, _ := h.svc.SessionEvents(context.Background(), "cap-1", 0)
	assert.Equal(t, "recording:started", events[0].Name)
	assert.JSONEq(t, `{"text":"hi"}`, string(events[1].Payload))
}

func TestService_WebSocketStream(t *testing.T) {
	stream := newFakeStream("ws-7")
	var dialed string
	h := newHarness(t, Config{Dial: func(ctx context.Context, url string) (EventStream, error) {
		dialed = url
		return stream, nil
	}})

	_, err := h.svc.Start(context.Background(), StartRequest{
		SessionID:    "cap-1",
		SessionToken: "t",
		ChannelIDs:   []string{"mic:default"},
		WSURL:        "wss://ws.example/stream",
	})
	require.NoError(t, err)
	assert.Equal(t, "wss://ws.example/stream", dialed)
	assert.Equal(t, "ws-7", h.client.startOpts.WSConnectionID)

	stream.msgs <- map[string]any{"event": "transcript", "text": "hello"}
	require.Eventually(t, func() bool {
		events, _ := h.svc.SessionEvents(context.Background(), "cap-1", 0)
		return len(events) == 1 && events[0].Name == "ws:transcript"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.svc.Shutdown(context.Background()))
	select {
	case <-stream.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed on shutdown")
	}
}

func TestService_ExplicitConnectionIDSkipsDial(t *testing.T) {
	h := newHarness(t, Config{Dial: func(ctx context.Context, url string) (EventStream, error) {
		t.Error("dial should not be called")
		return nil, errors.New("unexpected")
	}})

	_, err := h.svc.Start(context.Background(), StartRequest{
		SessionID:      "cap-1",
		SessionToken:   "t",
		ChannelIDs:     []string{"mic:default"},
		WSURL:          "wss://ws.example/stream",
		WSConnectionID: "given",
	})
	require.NoError(t, err)
	assert.Equal(t, "given", h.client.startOpts.WSConnectionID)
}

func TestService_Stop(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)

	rec, err := h.svc.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, journal.SessionStatusStopped, rec.Status)
	assert.NotNil(t, rec.StoppedAt)
	assert.Equal(t, StateStopped, h.svc.Status().State)

	_, err = h.svc.Stop(context.Background())
	assert.ErrorIs(t, err, capture.ErrSessionNotActive)
}

func TestService_StopWithoutSession(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.svc.Stop(context.Background())
	assert.ErrorIs(t, err, capture.ErrSessionNotActive)
}

func TestService_StopAfterRecorderExit(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)
	h.client.stopErr = capture.ErrProcessExited

	_, err := h.svc.Stop(context.Background())
	assert.ErrorIs(t, err, capture.ErrProcessExited)

	rec, err := h.repo.GetSession(context.Background(), "cap-1")
	require.NoError(t, err)
	assert.Equal(t, journal.SessionStatusLost, rec.Status)
}

func TestService_RecorderDeathMarksLost(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)

	h.client.die()

	require.Eventually(t, func() bool {
		rec, err := h.repo.GetSession(context.Background(), "cap-1")
		return err == nil && rec != nil && rec.Status == journal.SessionStatusLost
	}, 2*time.Second, 10*time.Millisecond)

	st := h.svc.Status()
	assert.Equal(t, StateLost, st.State)
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, "Recorder stopped unexpectedly", h.svc.StatusLine())
}

func TestService_PauseResume(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)
	ctx := context.Background()

	require.NoError(t, h.svc.PauseChannel(ctx, "mic:default"))
	st := h.svc.Status()
	assert.Equal(t, []string{"mic:default"}, st.PausedChannels)
	assert.Equal(t, "Recording (1 paused)", h.svc.StatusLine())

	require.NoError(t, h.svc.ResumeChannel(ctx, "mic:default"))
	assert.Empty(t, h.svc.Status().PausedChannels)

	var vErr *capture.ValidationError
	assert.ErrorAs(t, h.svc.PauseChannel(ctx, "cam:9"), &vErr)
}

func TestService_PauseWithoutSession(t *testing.T) {
	h := newHarness(t, Config{})
	assert.ErrorIs(t, h.svc.PauseChannel(context.Background(), "mic:default"), capture.ErrSessionNotActive)
}

func TestService_RequestPermission(t *testing.T) {
	h := newHarness(t, Config{})

	granted, err := h.svc.RequestPermission(context.Background(), "microphone")
	require.NoError(t, err)
	assert.True(t, granted)

	_, err = h.svc.RequestPermission(context.Background(), "camera")
	var vErr *capture.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestService_ShutdownJournalsStopped(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)

	require.NoError(t, h.svc.Shutdown(context.Background()))
	assert.True(t, h.client.shutdown)

	rec, err := h.repo.GetSession(context.Background(), "cap-1")
	require.NoError(t, err)
	assert.Equal(t, journal.SessionStatusStopped, rec.Status)
	assert.Equal(t, "agent shut down", rec.Error)
}

func TestService_Sessions(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)
	_, err := h.svc.Stop(context.Background())
	require.NoError(t, err)

	sessions, err := h.svc.Sessions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "cap-1", sessions[0].ID)
}

func TestService_RemoteSession(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.svc.RemoteSession(context.Background(), "cap-1")
	assert.ErrorIs(t, err, ErrCloudDisabled)

	h = newHarness(t, Config{Cloud: &fakeCloud{}})
	_, err = h.svc.RemoteSession(context.Background(), "cap-unknown")
	var vErr *capture.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "collection_id", vErr.Field)

	h = newHarness(t, Config{Cloud: &fakeCloud{}, CollectionID: "c-default"})
	remote, err := h.svc.RemoteSession(context.Background(), "cap-9")
	require.NoError(t, err)
	assert.Equal(t, "c-default", remote.CollectionID)
	assert.Equal(t, "recording", remote.Status)
}
