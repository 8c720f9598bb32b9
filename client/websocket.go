package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// Callback interface for handling incoming WebSocket messages
type WebSocketCallback interface {
	OnMessage(message string)
	OnClose(err error)
}

type WebSocketConnection struct {
	WebSocketURL   string
	Conn           *websocket.Conn
	ConnectionDone chan struct{}
	IsConnected    bool
	MaxRetry       int
	mu             sync.Mutex
	closing        bool
	Callback       WebSocketCallback

	// Exponential backoff configuration
	BaseDelay time.Duration // The initial delay, e.g., 1 second
	MaxDelay  time.Duration // The maximum delay, e.g., 1 minute
	Dialer    websocket.Dialer
}

// Connect dials the websocket, retrying with exponential backoff up to
// MaxRetry times, then starts the read loop.
func (w *WebSocketConnection) Connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.BaseDelay
	b.MaxInterval = w.MaxDelay
	b.MaxElapsedTime = 0

	var policy backoff.BackOff = b
	if w.MaxRetry >= 0 {
		policy = backoff.WithMaxRetries(b, uint64(w.MaxRetry))
	}

	var conn *websocket.Conn
	err := backoff.RetryNotify(func() error {
		c, _, err := w.Dialer.DialContext(ctx, w.WebSocketURL, nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		slog.Warn("Connection attempt failed", "url", w.WebSocketURL, "error", err, "retry_in", next)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.Conn = conn
	w.IsConnected = true
	w.closing = false
	w.ConnectionDone = make(chan struct{})
	w.mu.Unlock()

	go w.handleMessages()
	return nil
}

func (w *WebSocketConnection) Ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Conn == nil {
		return errors.New("websocket is not connected")
	}
	return w.Conn.WriteMessage(websocket.PingMessage, nil)
}

// Close closes the connection and waits for the read loop to exit
func (w *WebSocketConnection) Close() error {
	w.mu.Lock()
	conn := w.Conn
	done := w.ConnectionDone
	w.closing = true
	w.mu.Unlock()
	if conn == nil {
		return nil
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := conn.Close()
	<-done
	return err
}

// Handle incoming WebSocket messages. Binary frames carry preview images and
// are skipped.
func (w *WebSocketConnection) handleMessages() {
	var readErr error
	defer func() {
		w.mu.Lock()
		w.IsConnected = false
		closing := w.closing
		w.mu.Unlock()
		w.Conn.Close()
		if w.Callback != nil {
			if closing {
				readErr = nil
			}
			w.Callback.OnClose(readErr)
		}
		close(w.ConnectionDone)
	}()
	for {
		msgType, message, err := w.Conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				readErr = err
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if w.Callback != nil {
			w.Callback.OnMessage(string(message))
		}
	}
}
