package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentchat/internal/domain"
)

// fakeGateway accepts push connections and records frames written by clients.
type fakeGateway struct {
	t        *testing.T
	upgrader websocket.Upgrader

	writeMu sync.Mutex
	mu      sync.Mutex
	conns   []*websocket.Conn
	frames  []domain.Frame
	userIDs []string
}

func newFakeGateway(t *testing.T) (*fakeGateway, *httptest.Server) {
	g := &fakeGateway{t: t}
	srv := httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(srv.Close)
	return g, srv
}

func (g *fakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.conns = append(g.conns, conn)
	g.userIDs = append(g.userIDs, r.URL.Query().Get("user_id"))
	g.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f domain.Frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		g.mu.Lock()
		g.frames = append(g.frames, f)
		g.mu.Unlock()
		if f.Type == domain.FrameSubscribe {
			g.writeMu.Lock()
			_ = conn.WriteJSON(domain.Frame{Type: domain.FrameSubscribed, SessionID: f.SessionID})
			g.writeMu.Unlock()
		}
	}
}

func (g *fakeGateway) push(v any) {
	g.mu.Lock()
	conn := g.conns[len(g.conns)-1]
	g.mu.Unlock()
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	require.NoError(g.t, conn.WriteJSON(v))
}

func (g *fakeGateway) dropAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		_ = c.Close()
	}
}

func (g *fakeGateway) framesOf(typ string) []domain.Frame {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.Frame
	for _, f := range g.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestTransport(t *testing.T, srv *httptest.Server) *WebSocket {
	tr := New(Config{
		URL:                  wsURL(srv),
		UserID:               "u-42",
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectInterval: 50 * time.Millisecond,
		Logger:               slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func nextEvent(t *testing.T, tr *WebSocket) domain.Event {
	t.Helper()
	select {
	case ev := <-tr.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestWebSocket_SubscribeSendAndReceive(t *testing.T) {
	gw, srv := newFakeGateway(t)
	tr := newTestTransport(t, srv)

	assert.False(t, tr.Send(domain.OutgoingMessage{SessionID: "abc", Text: "early"}), "not connected yet")

	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, domain.ConnectionChanged{State: domain.ConnConnected}, nextEvent(t, tr))

	require.NoError(t, tr.Subscribe("abc"))
	require.True(t, tr.Send(domain.OutgoingMessage{SessionID: "abc", Text: "Hi", ClientRef: "ref-1"}))
	require.True(t, tr.SendTyping("abc", true))

	assert.Eventually(t, func() bool { return len(gw.framesOf(domain.FrameMessage)) == 1 }, time.Second, 5*time.Millisecond)
	sent := gw.framesOf(domain.FrameMessage)[0]
	assert.Equal(t, "Hi", sent.Text)
	assert.Equal(t, "ref-1", sent.ClientRef)
	assert.Equal(t, []string{"u-42"}, gw.userIDs)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	gw.push(domain.Frame{Type: domain.FrameMessage, SessionID: "abc", Message: &domain.Message{
		ID: "m1", SessionID: "abc", Sender: domain.SenderBot, Text: "Hello!", CreatedAt: at,
	}})
	// Malformed frames are dropped without closing the channel.
	gw.push(domain.Frame{Type: domain.FrameAdminJoined, SessionID: "abc"})
	gw.push(map[string]string{"type": "mystery", "session_id": "abc"})
	gw.push(domain.Frame{Type: domain.FrameAdminJoined, SessionID: "abc", Agent: &domain.Agent{ID: "a1", Name: "Sam"}})

	ev := nextEvent(t, tr)
	require.IsType(t, domain.MessageReceived{}, ev)
	assert.Equal(t, "Hello!", ev.(domain.MessageReceived).Message.Text)

	ev = nextEvent(t, tr)
	require.IsType(t, domain.AdminJoined{}, ev)
	assert.Equal(t, "Sam", ev.(domain.AdminJoined).Agent.Name)
}

func TestWebSocket_ReconnectRestoresSubscription(t *testing.T) {
	gw, srv := newFakeGateway(t)
	tr := newTestTransport(t, srv)

	require.NoError(t, tr.Connect(context.Background()))
	nextEvent(t, tr)
	require.NoError(t, tr.Subscribe("abc"))
	assert.Eventually(t, func() bool { return len(gw.framesOf(domain.FrameSubscribe)) == 1 }, time.Second, 5*time.Millisecond)

	gw.dropAll()

	assert.Equal(t, domain.ConnectionChanged{State: domain.ConnDisconnected}, nextEvent(t, tr))
	assert.Equal(t, domain.ConnectionChanged{State: domain.ConnReconnected}, nextEvent(t, tr))
	assert.True(t, tr.Connected())

	assert.Eventually(t, func() bool {
		subs := gw.framesOf(domain.FrameSubscribe)
		return len(subs) == 2 && subs[1].SessionID == "abc"
	}, time.Second, 5*time.Millisecond)
}

func TestWebSocket_CloseEndsEvents(t *testing.T) {
	_, srv := newFakeGateway(t)
	tr := newTestTransport(t, srv)

	require.NoError(t, tr.Connect(context.Background()))
	nextEvent(t, tr)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, ok := <-tr.Events()
	assert.False(t, ok)
	assert.False(t, tr.Connected())
	assert.False(t, tr.Send(domain.OutgoingMessage{SessionID: "abc", Text: "late"}))
}

func TestWebSocket_DialFailure(t *testing.T) {
	tr := New(Config{URL: "ws://127.0.0.1:1/ws", HandshakeTimeout: 200 * time.Millisecond})
	defer tr.Close()

	err := tr.Connect(context.Background())
	assert.Error(t, err)
	assert.ErrorIs(t, tr.Subscribe("abc"), ErrNotConnected)
}
