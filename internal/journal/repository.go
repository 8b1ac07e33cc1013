package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultEventLimit caps ListEvents when the caller passes no limit.
const DefaultEventLimit = 200

type Repository interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, limit int) ([]*Session, error)
	UpdateSessionStatus(ctx context.Context, id, status, errorMsg string) error

	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, sessionID string, limit int) ([]*Event, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// timeLayout has a fixed-width fraction so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// CreateSession inserts a session, replacing an earlier row with the same ID.
// Hosted session IDs can be reused across capture attempts.
func (r *SQLiteRepository) CreateSession(ctx context.Context, s *Session) error {
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.StartedAt
	}
	if s.Status == "" {
		s.Status = SessionStatusActive
	}
	channels, err := json.Marshal(nonNil(s.ChannelIDs))
	if err != nil {
		return fmt.Errorf("encode channel ids: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO capture_sessions (id, collection_id, status, channels, error, started_at, stopped_at, updated_at)
		VALUES (?, ?, ?, ?, NULL, ?, NULL, ?)
		ON CONFLICT(id) DO UPDATE SET
			collection_id = excluded.collection_id,
			status = excluded.status,
			channels = excluded.channels,
			error = NULL,
			started_at = excluded.started_at,
			stopped_at = NULL,
			updated_at = excluded.updated_at
	`, s.ID, s.CollectionID, s.Status, string(channels), formatTime(s.StartedAt), formatTime(s.UpdatedAt))
	return err
}

const sessionColumns = `id, collection_id, status, channels, error, started_at, stopped_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var channels, startedAt, updatedAt string
	var errMsg, stoppedAt sql.NullString

	if err := row.Scan(&s.ID, &s.CollectionID, &s.Status, &channels, &errMsg, &startedAt, &stoppedAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(channels), &s.ChannelIDs); err != nil {
		return nil, fmt.Errorf("decode channel ids for session %s: %w", s.ID, err)
	}
	s.Error = errMsg.String
	s.StartedAt = parseTime(startedAt)
	s.UpdatedAt = parseTime(updatedAt)
	if stoppedAt.Valid {
		t := parseTime(stoppedAt.String)
		s.StoppedAt = &t
	}
	return &s, nil
}

func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM capture_sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (r *SQLiteRepository) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM capture_sessions ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus moves a session to status. Leaving the active state
// records the stop time.
func (r *SQLiteRepository) UpdateSessionStatus(ctx context.Context, id, status, errorMsg string) error {
	now := formatTime(time.Now())
	var stoppedAt any
	if status != SessionStatusActive {
		stoppedAt = now
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE capture_sessions
		SET status = ?, error = ?, stopped_at = COALESCE(stopped_at, ?), updated_at = ?
		WHERE id = ?
	`, status, nullString(errorMsg), stoppedAt, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("capture session %s not found", id)
	}
	return nil
}

func (r *SQLiteRepository) AppendEvent(ctx context.Context, e *Event) error {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO capture_events (session_id, name, payload, received_at) VALUES (?, ?, ?, ?)
	`, e.SessionID, e.Name, string(payload), formatTime(e.ReceivedAt))
	if err != nil {
		return err
	}
	e.ID, err = res.LastInsertId()
	return err
}

// ListEvents returns a session's most recent events, oldest first.
func (r *SQLiteRepository) ListEvents(ctx context.Context, sessionID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, name, payload, received_at FROM (
			SELECT id, session_id, name, payload, received_at
			FROM capture_events WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var payload, receivedAt string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Name, &payload, &receivedAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		e.ReceivedAt = parseTime(receivedAt)
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
