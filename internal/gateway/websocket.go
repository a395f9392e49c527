package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"rentchat/internal/bus"
	"rentchat/internal/domain"
	"rentchat/internal/metrics"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 5 * time.Second

// Hub serves the WebSocket push channel. Each connection subscribes to at
// most one session at a time and receives that session's events from the bus.
type Hub struct {
	svc      *Service
	events   *bus.EventBus
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// wsClient tracks a connected widget.
type wsClient struct {
	conn   *websocket.Conn
	userID string
	mu     sync.Mutex // serializes writes

	subMu     sync.Mutex
	sessionID string
	handlerID string
}

// NewHub creates a hub. An empty allowedOrigins accepts any origin.
func NewHub(svc *Service, allowedOrigins []string, logger *slog.Logger) *Hub {
	h := &Hub{
		svc:     svc,
		events:  svc.Events(),
		logger:  logger.With("component", "ws-hub"),
		clients: make(map[*wsClient]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		// Same-host requests are always allowed.
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}

// Clients returns the number of connected widgets.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and runs the connection's read loop.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = r.Header.Get(userHeader)
	}
	if !validUserID(userID) {
		writeError(w, http.StatusUnauthorized, "missing or invalid user id")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, userID: userID}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.PushConnections.Inc()
	h.logger.Info("websocket client connected", "user_id", userID)

	defer func() {
		h.unsubscribe(c)
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		metrics.PushConnections.Dec()
		conn.Close()
		h.logger.Info("websocket client disconnected", "user_id", userID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "user_id", userID, "err", err)
			}
			return
		}

		frame, err := domain.DecodeFrame(data)
		if err != nil {
			c.send(domain.Frame{Type: domain.FrameError, Error: "invalid frame"})
			continue
		}
		h.handleFrame(r.Context(), c, frame)
	}
}

func (h *Hub) handleFrame(ctx context.Context, c *wsClient, f domain.Frame) {
	switch f.Type {
	case domain.FrameSubscribe:
		if _, err := h.svc.Get(ctx, c.userID, f.SessionID); err != nil {
			c.sendError(f.SessionID, err)
			return
		}
		h.subscribe(c, f.SessionID)
		c.send(domain.Frame{Type: domain.FrameSubscribed, SessionID: f.SessionID})

	case domain.FrameMessage:
		// The stored message reaches this client through its subscription.
		if _, err := h.svc.SendUser(ctx, c.userID, f.SessionID, f.Text, f.ClientRef); err != nil {
			c.sendError(f.SessionID, err)
		}

	case domain.FrameTyping:
		if err := h.svc.Typing(ctx, c.userID, f.SessionID, domain.SenderUser, f.Typing); err != nil {
			h.logger.Debug("typing rejected", "session_id", f.SessionID, "err", err)
		}

	default:
		c.send(domain.Frame{Type: domain.FrameError, SessionID: f.SessionID, Error: "unsupported frame type " + f.Type})
	}
}

// subscribe replaces the client's subscription.
func (h *Hub) subscribe(c *wsClient, sessionID string) {
	h.unsubscribe(c)

	id := h.events.On(sessionID, func(env bus.Envelope) {
		// Users do not need their own typing echoed back.
		if t, ok := env.Event.(domain.TypingChanged); ok && t.Sender == domain.SenderUser {
			return
		}
		f, err := domain.FrameFor(env.Event)
		if err != nil {
			h.logger.Warn("cannot encode event", "kind", env.Event.Kind(), "err", err)
			return
		}
		c.send(f)
	})

	c.subMu.Lock()
	c.sessionID, c.handlerID = sessionID, id
	c.subMu.Unlock()
	h.logger.Debug("client subscribed", "user_id", c.userID, "session_id", sessionID)
}

func (h *Hub) unsubscribe(c *wsClient) {
	c.subMu.Lock()
	sessionID, id := c.sessionID, c.handlerID
	c.sessionID, c.handlerID = "", ""
	c.subMu.Unlock()
	if id != "" {
		h.events.Off(sessionID, id)
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		c.conn.Close()
	}
}

func (c *wsClient) send(f domain.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) sendError(sessionID string, err error) {
	_, msg := statusFor(err)
	c.send(domain.Frame{Type: domain.FrameError, SessionID: sessionID, Error: msg})
}
