package capture

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Kind is the media kind of a capture channel.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track is the recorder's name for a capture stream targeted by
// pauseTracks / resumeTracks.
type Track string

const (
	TrackMic         Track = "mic"
	TrackSystemAudio Track = "system_audio"
	TrackScreen      Track = "screen"
)

// Channel is an audio or video capture source exposed by the recorder.
// The flags may be toggled by the caller before StartCapture.
type Channel struct {
	ID         string
	Name       string
	Kind       Kind
	Record     bool
	Store      bool
	Transcript bool
}

// NewChannel returns a channel with the recorder defaults: recorded and
// stored, transcribed only for audio.
func NewChannel(id, name string, kind Kind) *Channel {
	return &Channel{
		ID:         id,
		Name:       name,
		Kind:       kind,
		Record:     true,
		Store:      true,
		Transcript: kind == KindAudio,
	}
}

func (c *Channel) String() string {
	return fmt.Sprintf("Channel(id=%s, name=%s, type=%s, record=%t, transcript=%t, store=%t)",
		c.ID, c.Name, c.Kind, c.Record, c.Transcript, c.Store)
}

// WireChannel is the channel shape sent inside startRecording.
type WireChannel struct {
	ChannelID  string `json:"channel_id"`
	Type       string `json:"type"`
	Name       string `json:"name"`
	Record     bool   `json:"record"`
	Transcript bool   `json:"transcript"`
	Store      bool   `json:"store"`
}

func (c *Channel) Wire() WireChannel {
	return WireChannel{
		ChannelID:  c.ID,
		Type:       string(c.Kind),
		Name:       c.Name,
		Record:     c.Record,
		Transcript: c.Transcript,
		Store:      c.Store,
	}
}

// TrackFor maps a channel to the recorder track that pause and resume
// address. Audio channels whose ID contains "mic" are the microphone, any
// other audio channel is system audio, and video is the screen. The recorder
// exposes no explicit track id, so this name sniffing is the contract for now.
// It returns "" for kinds that have no track.
func TrackFor(c *Channel) Track {
	switch c.Kind {
	case KindAudio:
		if strings.Contains(c.ID, "mic") {
			return TrackMic
		}
		return TrackSystemAudio
	case KindVideo:
		return TrackScreen
	default:
		return ""
	}
}

type rawChannel struct {
	ChannelID string `json:"channel_id"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
}

type channelsResult struct {
	Channels []rawChannel `json:"channels"`
}

// decodeChannels parses a getChannels result. Entries without an ID are
// skipped.
func decodeChannels(result json.RawMessage, logger *slog.Logger) ([]*Channel, error) {
	var res channelsResult
	if len(result) > 0 && string(result) != "null" {
		if err := json.Unmarshal(result, &res); err != nil {
			return nil, fmt.Errorf("decode channels: %w", err)
		}
	}

	channels := make([]*Channel, 0, len(res.Channels))
	for _, rc := range res.Channels {
		id := rc.ChannelID
		if id == "" {
			id = rc.ID
		}
		if id == "" {
			logger.Warn("skipping channel with missing id", "name", rc.Name, "type", rc.Type)
			continue
		}

		kind := Kind(rc.Type)
		if kind != KindAudio && kind != KindVideo {
			logger.Debug("unknown channel type", "type", rc.Type, "channel_id", id)
		}
		channels = append(channels, NewChannel(id, rc.Name, kind))
	}
	return channels, nil
}
