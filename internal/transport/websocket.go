// Package transport implements the push channel between the chat widget and
// the gateway over a persistent WebSocket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"rentchat/internal/bus"
	"rentchat/internal/domain"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned when a frame cannot be written because the socket is down.
var ErrNotConnected = errors.New("transport: not connected")

// Config holds WebSocket transport configuration.
type Config struct {
	// URL is the gateway push endpoint, e.g. "ws://localhost:8080/ws".
	URL string

	// UserID identifies the widget user to the gateway.
	UserID string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// ReconnectInterval is the first delay between reconnection attempts.
	ReconnectInterval time.Duration

	// MaxReconnectInterval caps the exponential backoff.
	MaxReconnectInterval time.Duration

	QueueSize int
	Logger    *slog.Logger
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		URL:                  "ws://localhost:8080/ws",
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReconnectInterval:    1 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
		QueueSize:            100,
	}
}

// WebSocket is a persistent push transport. It reconnects with exponential
// backoff, restores the session subscription and reports connection changes
// as domain.ConnectionChanged events.
type WebSocket struct {
	cfg    Config
	logger *slog.Logger
	queue  *bus.Queue
	dialer websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	sessionID string
	started   bool

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// New creates a transport. Nothing is dialed until Connect.
func New(cfg Config) *WebSocket {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.MaxReconnectInterval == 0 {
		cfg.MaxReconnectInterval = def.MaxReconnectInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "ws-transport")

	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocket{
		cfg:    cfg,
		logger: logger,
		queue:  bus.NewQueue(cfg.QueueSize, logger),
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Connect dials the gateway and starts the read loop. Later drops are
// retried in the background until Close.
func (t *WebSocket) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.started = true
	t.mu.Unlock()

	t.queue.Publish(domain.ConnectionChanged{State: domain.ConnConnected})
	go t.run(conn)

	t.logger.Info("connected to gateway", "url", t.cfg.URL)
	return nil
}

func (t *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("ws url: %w", err)
	}
	if t.cfg.UserID != "" {
		q := u.Query()
		q.Set("user_id", t.cfg.UserID)
		u.RawQuery = q.Encode()
	}
	header := http.Header{}
	if t.cfg.UserID != "" {
		header.Set("X-User-ID", t.cfg.UserID)
	}

	conn, _, err := t.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("ws dial failed: %w", err)
	}
	return conn, nil
}

// run reads from conn until it fails, then reconnects until Close.
func (t *WebSocket) run(conn *websocket.Conn) {
	defer close(t.done)

	for {
		t.readLoop(conn)

		t.mu.Lock()
		t.connected = false
		t.conn = nil
		t.mu.Unlock()

		if t.ctx.Err() != nil {
			return
		}
		t.queue.Publish(domain.ConnectionChanged{State: domain.ConnDisconnected})

		conn = t.reconnect()
		if conn == nil {
			return
		}
		t.queue.Publish(domain.ConnectionChanged{State: domain.ConnReconnected})
	}
}

// reconnect retries with exponential backoff. It returns nil once the
// transport is closed.
func (t *WebSocket) reconnect() *websocket.Conn {
	delay := t.cfg.ReconnectInterval
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-t.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		conn, err := t.dial(t.ctx)
		if err != nil {
			t.logger.Warn("reconnect failed", "attempt", attempt, "retry_in", delay, "err", err)
			delay *= 2
			if delay > t.cfg.MaxReconnectInterval {
				delay = t.cfg.MaxReconnectInterval
			}
			continue
		}

		t.mu.Lock()
		if t.ctx.Err() != nil {
			t.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		t.conn = conn
		t.connected = true
		sessionID := t.sessionID
		t.mu.Unlock()

		if sessionID != "" {
			if err := t.writeFrame(domain.Frame{Type: domain.FrameSubscribe, SessionID: sessionID}); err != nil {
				t.logger.Warn("resubscribe failed", "session_id", sessionID, "err", err)
			}
		}
		t.logger.Info("reconnected to gateway", "attempt", attempt)
		return conn
	}
}

func (t *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if t.ctx.Err() == nil {
				t.logger.Warn("ws read error", "err", err)
			}
			_ = conn.Close()
			return
		}

		frame, err := domain.DecodeFrame(data)
		if err != nil {
			t.logger.Warn("dropping undecodable frame", "err", err)
			continue
		}

		switch frame.Type {
		case domain.FrameSubscribed:
			t.logger.Debug("subscribed", "session_id", frame.SessionID)
			continue
		case domain.FrameError:
			t.logger.Warn("gateway error", "session_id", frame.SessionID, "error", frame.Error)
			continue
		case domain.FrameSubscribe:
			continue
		}

		ev, err := frame.Event()
		if err != nil {
			t.logger.Warn("dropping malformed event", "type", frame.Type, "err", err)
			continue
		}
		t.queue.Publish(ev)
	}
}

// Subscribe replaces the current subscription. The session is remembered
// and restored after a reconnect even when the socket is down now.
func (t *WebSocket) Subscribe(sessionID string) error {
	t.mu.Lock()
	t.sessionID = sessionID
	t.mu.Unlock()
	return t.writeFrame(domain.Frame{Type: domain.FrameSubscribe, SessionID: sessionID})
}

// Send reports whether the message was written to a connected socket.
func (t *WebSocket) Send(msg domain.OutgoingMessage) bool {
	err := t.writeFrame(domain.Frame{
		Type:      domain.FrameMessage,
		SessionID: msg.SessionID,
		Text:      msg.Text,
		ClientRef: msg.ClientRef,
	})
	if err != nil {
		t.logger.Debug("push send not accepted", "session_id", msg.SessionID, "err", err)
		return false
	}
	return true
}

func (t *WebSocket) SendTyping(sessionID string, typing bool) bool {
	return t.writeFrame(domain.Frame{Type: domain.FrameTyping, SessionID: sessionID, Sender: domain.SenderUser, Typing: typing}) == nil
}

func (t *WebSocket) writeFrame(f domain.Frame) error {
	t.mu.Lock()
	conn, connected := t.conn, t.connected
	t.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Type, err)
	}
	return nil
}

// Events returns the decoded push events. The channel is closed by Close.
func (t *WebSocket) Events() <-chan domain.Event {
	return t.queue.Events()
}

// Connected reports whether the socket is currently up.
func (t *WebSocket) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Close stops reconnecting, closes the socket and the event channel.
func (t *WebSocket) Close() error {
	var err error
	t.once.Do(func() {
		t.cancel()

		t.mu.Lock()
		conn, started := t.conn, t.started
		t.connected = false
		t.mu.Unlock()

		if conn != nil {
			t.writeMu.Lock()
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			t.writeMu.Unlock()
			err = conn.Close()
		}
		if started {
			<-t.done
		}
		t.queue.Close()
	})
	return err
}
