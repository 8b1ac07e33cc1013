package api

import (
	"encoding/json"
	"time"

	"github.com/videodb/capture-agent/internal/agent"
	"github.com/videodb/capture-agent/internal/capture"
	"github.com/videodb/capture-agent/internal/journal"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse = agent.Status

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type ChannelResponse struct {
	ID         string `json:"channel_id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Record     bool   `json:"record"`
	Store      bool   `json:"store"`
	Transcript bool   `json:"transcript"`
}

type ChannelsResponse struct {
	Channels []ChannelResponse `json:"channels"`
}

func ChannelToResponse(c *capture.Channel) ChannelResponse {
	return ChannelResponse{
		ID:         c.ID,
		Name:       c.Name,
		Type:       string(c.Kind),
		Record:     c.Record,
		Store:      c.Store,
		Transcript: c.Transcript,
	}
}

type PermissionRequest struct {
	Kind string `json:"kind" validate:"required,oneof=microphone screen_capture"`
}

type PermissionResponse struct {
	Kind    string `json:"kind"`
	Granted bool   `json:"granted"`
}

type StartCaptureRequest struct {
	SessionID             string   `json:"session_id" validate:"required"`
	SessionToken          string   `json:"session_token,omitempty"`
	CollectionID          string   `json:"collection_id,omitempty"`
	ChannelIDs            []string `json:"channel_ids" validate:"required,min=1,dive,required"`
	PrimaryVideoChannelID string   `json:"primary_video_channel_id,omitempty"`
	WSConnectionID        string   `json:"ws_connection_id,omitempty"`
	WSURL                 string   `json:"ws_url,omitempty" validate:"omitempty,url"`
	CallbackURL           string   `json:"callback_url,omitempty" validate:"omitempty,url"`
}

func (r StartCaptureRequest) toAgent() agent.StartRequest {
	return agent.StartRequest{
		SessionID:             r.SessionID,
		SessionToken:          r.SessionToken,
		CollectionID:          r.CollectionID,
		ChannelIDs:            r.ChannelIDs,
		PrimaryVideoChannelID: r.PrimaryVideoChannelID,
		WSConnectionID:        r.WSConnectionID,
		WSURL:                 r.WSURL,
		CallbackURL:           r.CallbackURL,
	}
}

type SessionResponse struct {
	ID           string   `json:"id"`
	CollectionID string   `json:"collection_id,omitempty"`
	Status       string   `json:"status"`
	ChannelIDs   []string `json:"channel_ids"`
	Error        string   `json:"error,omitempty"`
	StartedAt    string   `json:"started_at"`
	StoppedAt    string   `json:"stopped_at,omitempty"`
}

type SessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

func SessionToResponse(s *journal.Session) SessionResponse {
	resp := SessionResponse{
		ID:           s.ID,
		CollectionID: s.CollectionID,
		Status:       s.Status,
		ChannelIDs:   s.ChannelIDs,
		Error:        s.Error,
		StartedAt:    formatTime(s.StartedAt),
	}
	if resp.ChannelIDs == nil {
		resp.ChannelIDs = []string{}
	}
	if s.StoppedAt != nil {
		resp.StoppedAt = formatTime(*s.StoppedAt)
	}
	return resp
}

type EventResponse struct {
	ID         int64           `json:"id"`
	Name       string          `json:"event"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt string          `json:"received_at"`
}

type EventsResponse struct {
	SessionID string          `json:"session_id"`
	Events    []EventResponse `json:"events"`
}

func EventToResponse(e *journal.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		Name:       e.Name,
		Payload:    e.Payload,
		ReceivedAt: formatTime(e.ReceivedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
