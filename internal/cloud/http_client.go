// Package cloud talks to the hosted VideoDB API: capture session lookup,
// upload token generation, and the realtime event websocket.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultTokenTTL = 24 * time.Hour

	maxResponseBytes = 1 << 20
)

// Client is the subset of the hosted API the agent uses.
type Client interface {
	GetCaptureSession(ctx context.Context, collectionID, sessionID string) (*CaptureSession, error)
	GenerateSessionToken(ctx context.Context, collectionID, sessionID string, expiresIn time.Duration) (string, error)
}

// CaptureSession is the hosted record of a capture session.
type CaptureSession struct {
	ID              string         `json:"id"`
	CollectionID    string         `json:"collection_id"`
	EndUserID       string         `json:"end_user_id,omitempty"`
	ClientID        string         `json:"client_id,omitempty"`
	Status          string         `json:"status"`
	CallbackURL     string         `json:"callback_url,omitempty"`
	ExportedVideoID string         `json:"exported_video_id,omitempty"`
	RTStreams       []RTStream     `json:"rtstreams,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type RTStream struct {
	ID   string `json:"rtstream_id"`
	Name string `json:"name"`
}

// envelope is the hosted API response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// HTTPClient calls the hosted API with the account's API key. Requests are
// not retried.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPClient(baseURL, apiKey string, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With("component", "cloud"),
	}
}

// GetCaptureSession fetches a capture session.
func (c *HTTPClient) GetCaptureSession(ctx context.Context, collectionID, sessionID string) (*CaptureSession, error) {
	var session CaptureSession
	if err := c.do(ctx, http.MethodGet, sessionPath(collectionID, sessionID), nil, &session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		session.ID = sessionID
	}
	if session.CollectionID == "" {
		session.CollectionID = collectionID
	}
	return &session, nil
}

// GenerateSessionToken issues an upload token the recorder uses for the
// session. A zero expiresIn selects DefaultTokenTTL.
func (c *HTTPClient) GenerateSessionToken(ctx context.Context, collectionID, sessionID string, expiresIn time.Duration) (string, error) {
	if expiresIn <= 0 {
		expiresIn = DefaultTokenTTL
	}
	body := map[string]int64{"expires_in": int64(expiresIn / time.Second)}

	var result struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, sessionPath(collectionID, sessionID)+"/token", body, &result); err != nil {
		return "", err
	}
	if result.Token == "" {
		return "", newAPIError(0, "token missing from response")
	}
	return result.Token, nil
}

func sessionPath(collectionID, sessionID string) string {
	return fmt.Sprintf("/collection/%s/capture/session/%s", url.PathEscape(collectionID), url.PathEscape(sessionID))
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-access-token", c.apiKey)
	req.Header.Set("x-videodb-client", "videodb-capture-agent")

	c.logger.Debug("videodb api request", "method", method, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return newAPIError(0, fmt.Sprintf("connection error: %v", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	var env envelope
	decodeErr := json.Unmarshal(respBody, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(respBody)
		if decodeErr == nil && env.Message != "" {
			msg = env.Message
		}
		return newAPIError(resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return newAPIError(resp.StatusCode, string(respBody))
	}
	if !env.Success {
		return newAPIError(resp.StatusCode, env.Message)
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("unmarshal response data: %w", err)
		}
	}
	return nil
}
