package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsHandshakeTimeout = 30 * time.Second
	wsMaxMessageBytes  = 4 * 1024 * 1024
)

// ErrWebSocketClosed is returned by Receive after Close.
var ErrWebSocketClosed = errors.New("websocket closed")

// WebSocket is a connection to the hosted realtime event stream. The server
// announces the connection ID in its first message; that ID is what
// startRecording's ws_connection_id refers to.
type WebSocket struct {
	conn         *websocket.Conn
	connectionID string
	logger       *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// DialWebSocket connects to url and waits for the initial message carrying
// connection_id.
func DialWebSocket(ctx context.Context, url string, headers http.Header, logger *slog.Logger) (*WebSocket, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to websocket: %w", err)
	}
	conn.SetReadLimit(wsMaxMessageBytes)

	ws := &WebSocket{
		conn:   conn,
		logger: logger.With("component", "cloud_ws"),
		closed: make(chan struct{}),
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	_, first, err := conn.ReadMessage()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("read websocket init message: %w", err)
	}

	var init struct {
		ConnectionID string `json:"connection_id"`
	}
	if err := json.Unmarshal(first, &init); err != nil {
		ws.Close()
		return nil, fmt.Errorf("decode websocket init message: %w", err)
	}
	ws.connectionID = init.ConnectionID
	ws.logger.Info("websocket connected", "connection_id", init.ConnectionID)
	return ws, nil
}

func (w *WebSocket) ConnectionID() string { return w.connectionID }

// Receive returns the next message decoded as a JSON object. A message that
// is not a JSON object is returned as {"raw": <text>}. Once ctx ends a
// pending Receive, the connection cannot be read again.
func (w *WebSocket) Receive(ctx context.Context) (map[string]any, error) {
	stop := context.AfterFunc(ctx, func() {
		w.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := w.conn.ReadMessage()
	if err != nil {
		select {
		case <-w.closed:
			return nil, ErrWebSocketClosed
		default:
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil || msg == nil {
		w.logger.Warn("received non-JSON websocket message", "bytes", len(data))
		return map[string]any{"raw": string(data)}, nil
	}
	return msg, nil
}

// Close sends a close frame and closes the connection. It is safe to call
// more than once.
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = w.conn.Close()
	})
	return err
}
