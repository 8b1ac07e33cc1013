// Package journal keeps a local record of capture sessions and the recorder
// events received during each one.
package journal

import (
	"encoding/json"
	"time"
)

const (
	SessionStatusActive      = "active"
	SessionStatusStopped     = "stopped"
	SessionStatusFailed      = "failed"
	SessionStatusLost        = "lost"
	SessionStatusInterrupted = "interrupted"
)

// ConfigAuthToken is the config key holding the local API bearer token.
const ConfigAuthToken = "auth_token"

type Session struct {
	ID           string     `json:"id"`
	CollectionID string     `json:"collection_id,omitempty"`
	Status       string     `json:"status"`
	ChannelIDs   []string   `json:"channel_ids"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Terminal reports whether the session can no longer change status.
func (s *Session) Terminal() bool {
	return s.Status != SessionStatusActive
}

type Event struct {
	ID         int64           `json:"id"`
	SessionID  string          `json:"session_id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}
