// Package capture drives the local VideoDB recorder: it spawns the recorder
// executable, exchanges correlation-ID-tagged JSON frames with it over
// stdin/stdout, and exposes capture operations and a bounded event stream.
//
// Each Client owns its own recorder process; clients are independent.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultAPIURL          = "https://api.videodb.io"
	DefaultPollInterval    = time.Second
	DefaultInitTimeout     = 15 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	defaultKillTimeout     = 2 * time.Second
)

// Resolver locates the recorder executable.
type Resolver interface {
	Resolve() (string, error)
}

// Options configures a Client. Resolver is required; the zero value of every
// other field selects a default.
type Options struct {
	SessionID    string
	SessionToken string
	APIURL       string

	Resolver Resolver
	Launcher Launcher
	Logger   *slog.Logger

	EventCapacity   int
	PollInterval    time.Duration
	InitTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// SessionState is the capture session lifecycle:
// idle -> active -> stopped, or active -> lost when the recorder dies.
type SessionState string

const (
	StateIdle    SessionState = "idle"
	StateActive  SessionState = "active"
	StateStopped SessionState = "stopped"
	StateLost    SessionState = "lost"
)

// StartOptions are the optional startRecording fields.
type StartOptions struct {
	PrimaryVideoChannelID string
	WSConnectionID        string
	CallbackURL           string
}

// Permission kinds accepted by RequestPermission.
const (
	PermissionMicrophone    = "microphone"
	PermissionScreenCapture = "screen_capture"
)

var permissionWireNames = map[string]string{
	PermissionMicrophone:    "microphone",
	PermissionScreenCapture: "screen-capture",
}

// Client is the capture session facade over one recorder process.
type Client struct {
	apiURL       string
	logger       *slog.Logger
	events       *eventQueue
	sup          *supervisor
	pollInterval time.Duration

	// sessionMu serializes StartCapture and StopCapture from check to commit.
	sessionMu sync.Mutex

	mu           sync.Mutex
	sessionID    string
	sessionToken string
	state        SessionState
	sessionInst  *instance
	channels     map[string]*Channel
	paused       map[Track]bool
}

// New resolves the recorder executable and returns an idle client. No
// process is started until the first command. A missing executable is
// reported here, before anything is spawned.
func New(opts Options) (*Client, error) {
	if opts.Resolver == nil {
		return nil, &ValidationError{Field: "resolver", Message: "a recorder resolver is required"}
	}
	path, err := opts.Resolver.Resolve()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "capture")

	apiURL := opts.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	launcher := opts.Launcher
	if launcher == nil {
		launcher = ExecLauncher{}
	}

	c := &Client{
		apiURL:       apiURL,
		logger:       logger,
		events:       newEventQueue(opts.EventCapacity),
		pollInterval: orDefault(opts.PollInterval, DefaultPollInterval),
		sessionID:    opts.SessionID,
		sessionToken: opts.SessionToken,
		state:        StateIdle,
		paused:       make(map[Track]bool),
	}
	c.sup = newSupervisor(supervisorConfig{
		path:            path,
		apiURL:          apiURL,
		launcher:        launcher,
		events:          c.events,
		logger:          logger,
		initTimeout:     orDefault(opts.InitTimeout, DefaultInitTimeout),
		shutdownTimeout: orDefault(opts.ShutdownTimeout, DefaultShutdownTimeout),
		killTimeout:     defaultKillTimeout,
		onExit:          c.recorderExited,
	})
	return c, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (c *Client) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("CaptureClient(session_id=%s, api_url=%s)", c.sessionID, c.apiURL)
}

// SetSession replaces the session credentials used by StartCapture and
// StopCapture. It fails while a session is active.
func (c *Client) SetSession(sessionID, sessionToken string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateActive {
		return ErrSessionActive
	}
	c.sessionID = sessionID
	c.sessionToken = sessionToken
	return nil
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Running reports whether a recorder process is alive.
func (c *Client) Running() bool { return c.sup.running() }

// DroppedEvents is the number of events discarded because the queue was full.
func (c *Client) DroppedEvents() uint64 { return c.events.droppedCount() }

// Paused reports whether the channel's track is paused in the active session.
// Channels sharing a track are paused together.
func (c *Client) Paused(channelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[channelID]
	if !ok {
		return false
	}
	track := TrackFor(ch)
	return track != "" && c.paused[track]
}

// Send issues an arbitrary command, starting the recorder if needed.
func (c *Client) Send(ctx context.Context, command string, params any) (json.RawMessage, error) {
	result, _, err := c.send(ctx, command, params)
	return result, err
}

func (c *Client) send(ctx context.Context, command string, params any) (json.RawMessage, *instance, error) {
	inst, err := c.sup.ensureRunning(ctx)
	if err != nil {
		return nil, nil, err
	}
	result, err := inst.send(ctx, command, params)
	return result, inst, err
}

// ListChannels asks the recorder for the available capture sources.
func (c *Client) ListChannels(ctx context.Context) ([]*Channel, error) {
	result, _, err := c.send(ctx, CommandGetChannels, nil)
	if err != nil {
		return nil, err
	}
	return decodeChannels(result, c.logger)
}

// RequestPermission asks the OS, through the recorder, for a capture
// permission. kind must be "microphone" or "screen_capture".
func (c *Client) RequestPermission(ctx context.Context, kind string) (bool, error) {
	wire, ok := permissionWireNames[kind]
	if !ok {
		valid := make([]string, 0, len(permissionWireNames))
		for k := range permissionWireNames {
			valid = append(valid, k)
		}
		sort.Strings(valid)
		return false, &ValidationError{
			Field:   "permission",
			Message: fmt.Sprintf("%q is not one of %s", kind, strings.Join(valid, ", ")),
		}
	}

	result, _, err := c.send(ctx, CommandRequestPermission, map[string]string{"permission": wire})
	if err != nil {
		return false, err
	}

	var res struct {
		Requested bool   `json:"requested"`
		Status    string `json:"status"`
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &res); err != nil {
			c.logger.Debug("unexpected permission result", "result", string(result))
			return false, nil
		}
	}

	switch {
	case res.Requested, res.Status == "granted":
		return true, nil
	case res.Status == "denied":
		c.logger.Warn("permission denied", "permission", kind)
		return false, nil
	default:
		return false, nil
	}
}

type startRecordingParams struct {
	SessionID             string        `json:"sessionId"`
	UploadToken           string        `json:"uploadToken"`
	Channels              []WireChannel `json:"channels"`
	PrimaryVideoChannelID string        `json:"primary_video_channel_id,omitempty"`
	WSConnectionID        string        `json:"ws_connection_id,omitempty"`
	CallbackURL           string        `json:"callbackUrl,omitempty"`
}

// StartCapture starts recording the given channels. At least one channel is
// required; invalid input is rejected before anything is sent. The session
// ID and token are passed through as set. A concurrent caller waits and then
// gets ErrSessionActive.
func (c *Client) StartCapture(ctx context.Context, channels []*Channel, opts StartOptions) error {
	if len(channels) == 0 {
		return &ValidationError{Field: "channels", Message: "at least one channel must be specified for capture"}
	}
	for _, ch := range channels {
		if ch == nil || ch.ID == "" {
			return &ValidationError{Field: "channels", Message: "every channel needs an id"}
		}
	}

	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	c.mu.Lock()
	if c.state == StateActive {
		c.mu.Unlock()
		return ErrSessionActive
	}
	params := startRecordingParams{
		SessionID:             c.sessionID,
		UploadToken:           c.sessionToken,
		PrimaryVideoChannelID: opts.PrimaryVideoChannelID,
		WSConnectionID:        opts.WSConnectionID,
		CallbackURL:           opts.CallbackURL,
	}
	c.mu.Unlock()

	for _, ch := range channels {
		params.Channels = append(params.Channels, ch.Wire())
	}

	_, inst, err := c.send(ctx, CommandStartRecording, params)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sessionInst = inst
	c.channels = make(map[string]*Channel, len(channels))
	for _, ch := range channels {
		c.channels[ch.ID] = ch
	}
	c.paused = make(map[Track]bool)
	// The exit hook only sees sessions already marked active, so a recorder
	// that died after acknowledging is caught here.
	select {
	case <-inst.exited:
		c.state = StateLost
	default:
		c.state = StateActive
	}
	state := c.state
	c.mu.Unlock()

	if state == StateLost {
		c.logger.Warn("recorder exited right after starting capture", "session_id", params.SessionID, "error", inst.exitErr)
		return nil
	}
	c.logger.Info("capture started", "session_id", params.SessionID, "channels", len(channels))
	return nil
}

// sessionInstance returns the recorder that owns the active session.
func (c *Client) sessionInstance() (*instance, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateActive:
		return c.sessionInst, c.sessionID, nil
	case StateLost:
		return nil, c.sessionID, fmt.Errorf("capture session %s lost: %w", c.sessionID, ErrProcessExited)
	default:
		return nil, c.sessionID, ErrSessionNotActive
	}
}

// StopCapture stops the active session. A session whose recorder died is
// reported as ErrProcessExited and then considered stopped.
func (c *Client) StopCapture(ctx context.Context) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	inst, sessionID, err := c.sessionInstance()
	if err != nil {
		c.mu.Lock()
		if c.state == StateLost {
			c.state = StateStopped
			c.sessionInst = nil
		}
		c.mu.Unlock()
		return err
	}

	if _, err := inst.send(ctx, CommandStopRecording, map[string]string{"sessionId": sessionID}); err != nil {
		return err
	}

	c.mu.Lock()
	c.state = StateStopped
	c.sessionInst = nil
	c.paused = make(map[Track]bool)
	c.mu.Unlock()

	c.logger.Info("capture stopped", "session_id", sessionID)
	return nil
}

// PauseChannel pauses the track behind ch. Channels without a track are a
// no-op.
func (c *Client) PauseChannel(ctx context.Context, ch *Channel) error {
	return c.setTrackPaused(ctx, ch, true)
}

func (c *Client) ResumeChannel(ctx context.Context, ch *Channel) error {
	return c.setTrackPaused(ctx, ch, false)
}

func (c *Client) setTrackPaused(ctx context.Context, ch *Channel, pause bool) error {
	if ch == nil {
		return &ValidationError{Field: "channel", Message: "channel is required"}
	}
	track := TrackFor(ch)
	if track == "" {
		return nil
	}

	inst, _, err := c.sessionInstance()
	if err != nil {
		return err
	}

	command := CommandResumeTracks
	if pause {
		command = CommandPauseTracks
	}
	if _, err := inst.send(ctx, command, map[string][]Track{"tracks": {track}}); err != nil {
		return err
	}

	c.mu.Lock()
	if pause {
		c.paused[track] = true
	} else {
		delete(c.paused, track)
	}
	c.mu.Unlock()
	return nil
}

// Next returns the next recorder event. While the queue is empty it waits,
// re-checking recorder liveness every poll interval, and returns io.EOF once
// no recorder is running and the queue is drained.
func (c *Client) Next(ctx context.Context) (Event, error) {
	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()

	for {
		if e, ok := c.events.pop(); ok {
			return e, nil
		}
		if !c.sup.running() {
			if e, ok := c.events.pop(); ok {
				return e, nil
			}
			return Event{}, io.EOF
		}

		select {
		case <-c.events.ready:
		case <-timer.C:
			timer.Reset(c.pollInterval)
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Events streams events until the recorder is gone and the queue is empty,
// or ctx is done.
func (c *Client) Events(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			e, err := c.Next(ctx)
			if err != nil {
				return
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Shutdown stops the recorder. An active session is considered stopped.
// Calling it with no recorder running is a no-op.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateActive {
		c.state = StateStopped
		c.sessionInst = nil
	}
	c.mu.Unlock()

	return c.sup.shutdown(ctx)
}

func (c *Client) recorderExited(inst *instance) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateActive && c.sessionInst == inst {
		c.state = StateLost
		c.logger.Warn("recorder exited during active capture", "session_id", c.sessionID, "error", inst.exitErr)
	}
}
