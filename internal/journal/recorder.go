package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/videodb/capture-agent/internal/capture"
)

// EventSource yields recorder events until io.EOF.
type EventSource interface {
	Next(ctx context.Context) (capture.Event, error)
}

// Recorder persists the events of a capture session as they arrive.
type Recorder struct {
	repo   Repository
	logger *slog.Logger
}

func NewRecorder(repo Repository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{repo: repo, logger: logger.With("component", "journal")}
}

// Run appends every event from src to sessionID until the source is drained
// or ctx is done. It returns the number of events written. A failed write is
// logged and skipped; it does not stop the pump.
func (r *Recorder) Run(ctx context.Context, sessionID string, src EventSource) (int, error) {
	written := 0
	for {
		ev, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}

		entry := &Event{
			SessionID:  sessionID,
			Name:       ev.Name,
			Payload:    ev.Payload,
			ReceivedAt: ev.ReceivedAt,
		}
		if err := r.repo.AppendEvent(ctx, entry); err != nil {
			r.logger.Error("failed to journal event", "session_id", sessionID, "event", ev.Name, "error", err)
			continue
		}
		written++
	}
}
