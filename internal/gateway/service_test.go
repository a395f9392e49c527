package gateway

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"rentchat/internal/bot"
	"rentchat/internal/bus"
	"rentchat/internal/domain"
	"rentchat/internal/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *memory.SQLiteStore {
	t.Helper()
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestService(t *testing.T, limiter *RateLimiter) *Service {
	t.Helper()
	responder := bot.NewResponder(testLogger())
	responder.RegisterBuiltins()
	svc, err := NewService(ServiceConfig{
		Store:            newTestStore(t),
		Events:           bus.NewEventBus(100, testLogger()),
		Bot:              responder,
		Limiter:          limiter,
		Greeting:         "Welcome to rentals!",
		MaxMessageLength: 50,
		Logger:           testLogger(),
	})
	require.NoError(t, err)
	return svc
}

// recorder collects the events of one session.
type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func record(svc *Service, sessionID string) *recorder {
	r := &recorder{}
	svc.Events().On(sessionID, func(env bus.Envelope) {
		r.mu.Lock()
		r.events = append(r.events, env.Event)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind()
	}
	return out
}

func senders(msgs []domain.Message) []domain.Sender {
	out := make([]domain.Sender, len(msgs))
	for i, m := range msgs {
		out[i] = m.Sender
	}
	return out
}

func TestNewService_RequiresStore(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	assert.Error(t, err)
}

func TestService_StartIsIdempotent(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	first, err := svc.Start(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBot, first.Status)
	require.Len(t, first.Messages, 1)
	assert.Equal(t, domain.SenderBot, first.Messages[0].Sender)
	assert.Equal(t, "Welcome to rentals!", first.Messages[0].Text)

	again, err := svc.Start(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, again.Messages, 1)

	other, err := svc.Start(ctx, "u2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	_, err = svc.Start(ctx, "")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestService_Active(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Active(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	started, err := svc.Start(ctx, "u1")
	require.NoError(t, err)
	active, err := svc.Active(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, started.ID, active.ID)
}

func TestService_SendUserWithBotReply(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	sess, err := svc.Start(ctx, "u1")
	require.NoError(t, err)
	rec := record(svc, sess.ID)

	got, err := svc.SendUser(ctx, "u1", sess.ID, "  how much is a van?  ", "ref-1")
	require.NoError(t, err)

	require.Len(t, got.Messages, 3)
	assert.Equal(t, []domain.Sender{domain.SenderBot, domain.SenderUser, domain.SenderBot}, senders(got.Messages))
	user := got.Messages[1]
	assert.Equal(t, "how much is a van?", user.Text)
	assert.Equal(t, "ref-1", user.ClientRef)
	assert.NotEmpty(t, user.ID)
	assert.Contains(t, got.Messages[2].Text, "deposit")
	assert.Less(t, user.ID, got.Messages[2].ID, "message ids sort by creation")

	assert.Equal(t, []domain.EventKind{domain.KindMessageReceived, domain.KindMessageReceived}, rec.kinds())
}

func TestService_DuplicateClientRefCollapses(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	sess, err := svc.Start(ctx, "u1")
	require.NoError(t, err)

	first, err := svc.SendUser(ctx, "u1", sess.ID, "hello", "ref-1")
	require.NoError(t, err)
	rec := record(svc, sess.ID)

	second, err := svc.SendUser(ctx, "u1", sess.ID, "hello", "ref-1")
	require.NoError(t, err)
	assert.Equal(t, len(first.Messages), len(second.Messages))
	assert.Empty(t, rec.kinds())

	// Same text with a fresh ref is a new message.
	third, err := svc.SendUser(ctx, "u1", sess.ID, "hello", "ref-2")
	require.NoError(t, err)
	assert.Greater(t, len(third.Messages), len(second.Messages))
}

func TestService_Validation(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	sess, err := svc.Start(ctx, "u1")
	require.NoError(t, err)

	_, err = svc.SendUser(ctx, "u1", sess.ID, "   ", "")
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = svc.SendUser(ctx, "u1", sess.ID, strings.Repeat("x", 51), "")
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = svc.SendUser(ctx, "u1", "missing", "hi", "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.SendUser(ctx, "u2", sess.ID, "hi", "")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.Get(ctx, "u2", sess.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.List(ctx, "bogus", 0)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestService_EscalationLifecycle(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	sess, err := svc.Start(ctx, "u1")
	require.NoError(t, err)
	rec := record(svc, sess.ID)

	_, err = svc.AdminReply(ctx, sess.ID, "hi from agent")
	assert.ErrorIs(t, err, ErrNotJoined)

	esc, err := svc.Escalate(ctx, "u1", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaiting, esc.Status)
	assert.True(t, esc.IsEscalated)

	// Repeated escalation is a no-op.
	_, err = svc.Escalate(ctx, "u1", sess.ID)
	require.NoError(t, err)

	// The bot no longer answers.
	waiting, err := svc.SendUser(ctx, "u1", sess.ID, "price?", "")
	require.NoError(t, err)
	assert.Equal(t, domain.SenderUser, waiting.Messages[len(waiting.Messages)-1].Sender)

	_, err = svc.Join(ctx, sess.ID, domain.Agent{})
	assert.ErrorIs(t, err, ErrInvalid)

	joined, err := svc.Join(ctx, sess.ID, domain.Agent{ID: "a1", Name: "Sam"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, joined.Status)
	require.NotNil(t, joined.AssignedAgent)
	assert.Equal(t, "Sam", joined.AssignedAgent.Name)

	// Same agent again emits nothing.
	_, err = svc.Join(ctx, sess.ID, domain.Agent{ID: "a1", Name: "Sam"})
	require.NoError(t, err)

	replied, err := svc.AdminReply(ctx, sess.ID, "How can I help?")
	require.NoError(t, err)
	last := replied.Messages[len(replied.Messages)-1]
	assert.Equal(t, domain.SenderAdmin, last.Sender)

	closed, err := svc.Close(ctx, "", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, closed.Status)

	_, err = svc.Close(ctx, "u1", sess.ID)
	require.NoError(t, err, "closing twice is harmless")

	_, err = svc.SendUser(ctx, "u1", sess.ID, "still there?", "")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = svc.Escalate(ctx, "u1", sess.ID)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = svc.Join(ctx, sess.ID, domain.Agent{ID: "a2"})
	assert.ErrorIs(t, err, ErrClosed)

	assert.Equal(t, []domain.EventKind{
		domain.KindChatEscalated,
		domain.KindMessageReceived,
		domain.KindAdminJoined,
		domain.KindTypingChanged,
		domain.KindMessageReceived,
		domain.KindSessionClosed,
	}, rec.kinds())

	// A closed session is no longer active; Start opens a fresh one.
	fresh, err := svc.Start(ctx, "u1")
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, fresh.ID)
}

func TestService_Typing(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	sess, err := svc.Start(ctx, "u1")
	require.NoError(t, err)
	rec := record(svc, sess.ID)

	require.NoError(t, svc.Typing(ctx, "u1", sess.ID, domain.SenderUser, true))
	assert.ErrorIs(t, svc.Typing(ctx, "", sess.ID, domain.SenderAdmin, true), ErrNotJoined)
	assert.ErrorIs(t, svc.Typing(ctx, "u1", sess.ID, "robot", true), ErrInvalid)

	assert.Equal(t, []domain.EventKind{domain.KindTypingChanged}, rec.kinds())
}

func TestService_RateLimit(t *testing.T) {
	svc := newTestService(t, NewRateLimiter(2, 1))
	ctx := context.Background()
	sess, err := svc.Start(ctx, "u1")
	require.NoError(t, err)

	_, err = svc.SendUser(ctx, "u1", sess.ID, "one", "r1")
	require.NoError(t, err)
	_, err = svc.SendUser(ctx, "u1", sess.ID, "two", "r2")
	require.NoError(t, err)

	// A retried send is collapsed before the limiter.
	_, err = svc.SendUser(ctx, "u1", sess.ID, "two", "r2")
	require.NoError(t, err)

	_, err = svc.SendUser(ctx, "u1", sess.ID, "three", "r3")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestService_CloseIdle(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	sess, err := svc.Start(ctx, "u1")
	require.NoError(t, err)
	rec := record(svc, sess.ID)

	n, err := svc.CloseIdle(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = svc.CloseIdle(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc.Get(ctx, "", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)
	assert.Equal(t, []domain.EventKind{domain.KindSessionClosed}, rec.kinds())
}
