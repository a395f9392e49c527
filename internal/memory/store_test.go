package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentchat/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "chat.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestSQLiteStore_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Ping(ctx))

	got, err := s.GetSession(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.CreateSession(ctx, domain.Session{ID: "s1", UserID: "u1", CreatedAt: base}))

	open, err := s.GetOpenSession(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, "s1", open.ID)
	assert.Equal(t, domain.StatusBot, open.Status)
	assert.Nil(t, open.AssignedAgent)
	assert.True(t, open.CreatedAt.Equal(base))

	open.Status = domain.StatusActive
	open.IsEscalated = true
	open.AssignedAgent = &domain.Agent{ID: "a1", Name: "Sam"}
	open.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, s.UpdateSession(ctx, *open))

	got, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.True(t, got.IsEscalated)
	assert.Equal(t, &domain.Agent{ID: "a1", Name: "Sam"}, got.AssignedAgent)

	got.Status = domain.StatusClosed
	got.AssignedAgent = nil
	require.NoError(t, s.UpdateSession(ctx, *got))

	open, err = s.GetOpenSession(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, open)

	assert.Error(t, s.UpdateSession(ctx, domain.Session{ID: "missing", Status: domain.StatusBot}))
}

func TestSQLiteStore_Messages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateSession(ctx, domain.Session{ID: "s1", UserID: "u1", CreatedAt: base}))

	for i, text := range []string{"Hi", "Hello! How can I help?", "I need an SUV"} {
		sender := domain.SenderUser
		if i == 1 {
			sender = domain.SenderBot
		}
		require.NoError(t, s.AddMessage(ctx, domain.Message{
			ID:        "m" + string(rune('1'+i)),
			SessionID: "s1",
			Sender:    sender,
			Text:      text,
			ClientRef: map[int]string{0: "ref-1", 2: "ref-3"}[i],
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := s.GetMessages(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "Hi", msgs[0].Text)
	assert.Equal(t, domain.SenderBot, msgs[1].Sender)
	assert.Equal(t, "ref-3", msgs[2].ClientRef)

	last, err := s.GetMessages(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "m2", last[0].ID)

	found, err := s.FindMessageByClientRef(ctx, "s1", "ref-3")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "m3", found.ID)

	found, err = s.FindMessageByClientRef(ctx, "s1", "nope")
	require.NoError(t, err)
	assert.Nil(t, found)

	found, err = s.FindMessageByClientRef(ctx, "s1", "")
	require.NoError(t, err)
	assert.Nil(t, found)

	// Adding a message touches the session.
	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, sess.UpdatedAt.Equal(base.Add(2*time.Second)))
}

func TestSQLiteStore_ListAndIdle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateSession(ctx, domain.Session{ID: "old", UserID: "u1", CreatedAt: base}))
	require.NoError(t, s.CreateSession(ctx, domain.Session{ID: "new", UserID: "u2", Status: domain.StatusWaiting, CreatedAt: base.Add(time.Hour)}))
	require.NoError(t, s.CreateSession(ctx, domain.Session{ID: "done", UserID: "u3", Status: domain.StatusClosed, CreatedAt: base}))

	all, err := s.ListSessions(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	waiting, err := s.ListSessions(ctx, domain.StatusWaiting, 10)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "new", waiting[0].ID)

	idle, err := s.ListIdleSessions(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, "old", idle[0].ID)
}

func TestRetention_Apply(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := base.AddDate(0, 0, 40)

	require.NoError(t, s.CreateSession(ctx, domain.Session{ID: "expired", UserID: "u1", Status: domain.StatusClosed, CreatedAt: base}))
	require.NoError(t, s.AddMessage(ctx, domain.Message{ID: "m1", SessionID: "expired", Sender: domain.SenderUser, Text: "bye", CreatedAt: base}))
	require.NoError(t, s.CreateSession(ctx, domain.Session{ID: "recent", UserID: "u1", Status: domain.StatusClosed, CreatedAt: now.AddDate(0, 0, -1)}))
	require.NoError(t, s.CreateSession(ctx, domain.Session{ID: "open", UserID: "u2", CreatedAt: base}))

	r := NewRetention(RetentionConfig{Store: s, MaxDays: 30, Logger: testLogger()})
	r.now = func() time.Time { return now }

	n, err := r.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gone, err := s.GetSession(ctx, "expired")
	require.NoError(t, err)
	assert.Nil(t, gone)
	msgs, err := s.GetMessages(ctx, "expired", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	for _, id := range []string{"recent", "open"} {
		kept, err := s.GetSession(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, kept, id)
	}
}

func TestDeleteClosedBefore_FailureKeepsSessionIntact(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateSession(ctx, domain.Session{ID: "expired", UserID: "u1", Status: domain.StatusClosed, CreatedAt: base}))
	require.NoError(t, s.AddMessage(ctx, domain.Message{ID: "m1", SessionID: "expired", Sender: domain.SenderUser, Text: "bye", CreatedAt: base}))

	// Make the session row undeletable after its messages are gone.
	_, err := s.db.ExecContext(ctx, `CREATE TRIGGER keep_expired BEFORE DELETE ON chat_sessions
		WHEN OLD.id = 'expired' BEGIN SELECT RAISE(ABORT, 'locked'); END`)
	require.NoError(t, err)

	n, err := s.DeleteClosedBefore(ctx, base.AddDate(0, 0, 1))
	require.Error(t, err)
	assert.Equal(t, 0, n)

	kept, err := s.GetSession(ctx, "expired")
	require.NoError(t, err)
	assert.NotNil(t, kept)
	msgs, err := s.GetMessages(ctx, "expired", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
