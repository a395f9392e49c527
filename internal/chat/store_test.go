package chat

import (
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentchat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	n := 0
	clock := t0
	return NewStore(StoreConfig{
		Logger: testLogger(),
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
		NewRef: func() string {
			n++
			return "ref-" + strconv.Itoa(n)
		},
	})
}

func TestStore_InitializeRequiresID(t *testing.T) {
	s := newTestStore(t)
	assert.ErrorIs(t, s.Initialize(domain.Session{}), ErrInvalidInput)

	_, err := s.AppendOptimistic("hi", domain.SenderUser)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestStore_EmptyInputRejected(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Initialize(domain.Session{ID: "abc", Status: domain.StatusBot}))

	notified := 0
	s.Subscribe(func(Snapshot) { notified++ })

	for _, text := range []string{"", "   ", "\t\n"} {
		h, err := s.AppendOptimistic(text, domain.SenderUser)
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.True(t, h.IsZero())
	}
	assert.Empty(t, s.Snapshot().Messages)
	assert.Zero(t, notified)
}

func TestStore_InitializeAppliesReportedState(t *testing.T) {
	s := newTestStore(t)
	err := s.Initialize(domain.Session{
		ID:            "abc",
		Status:        domain.StatusActive,
		AssignedAgent: sam,
		Messages: []domain.Message{
			msg("m2", domain.SenderAdmin, "Sam here", t0.Add(time.Minute)),
			msg("m1", domain.SenderUser, "Hi", t0),
			{ID: "m9", SessionID: "other", Sender: domain.SenderBot, Text: "not ours", CreatedAt: t0},
		},
	})
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, domain.StatusActive, snap.Status)
	assert.True(t, snap.IsEscalated)
	assert.Equal(t, sam, snap.AssignedAgent)
	assert.Equal(t, []string{"Hi", "Sam here"}, texts(snap.Messages))
	assert.True(t, snap.InputEnabled)
	assert.False(t, snap.CanEscalate)
}

func TestStore_KeepsServerEscalationFlag(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Initialize(domain.Session{ID: "abc", Status: domain.StatusBot, IsEscalated: true}))
	snap := s.Snapshot()
	assert.Equal(t, domain.StatusBot, snap.Status)
	assert.True(t, snap.IsEscalated)

	s2 := newTestStore(t)
	require.NoError(t, s2.Initialize(domain.Session{ID: "abc", Status: domain.StatusBot}))
	assert.False(t, s2.Snapshot().IsEscalated)

	notified := 0
	s2.Subscribe(func(Snapshot) { notified++ })
	s2.ApplySnapshot(domain.Session{ID: "abc", Status: domain.StatusClosed, IsEscalated: true})
	snap = s2.Snapshot()
	assert.Equal(t, domain.StatusClosed, snap.Status)
	assert.True(t, snap.IsEscalated)
	assert.Positive(t, notified)
}

func TestStore_ReinitializeMakesHandlesStale(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Initialize(domain.Session{ID: "abc"}))
	h, err := s.AppendOptimistic("Hi", domain.SenderUser)
	require.NoError(t, err)

	require.NoError(t, s.Initialize(domain.Session{ID: "def"}))
	assert.Empty(t, s.Snapshot().Messages)

	assert.ErrorIs(t, s.ConfirmOptimistic(h, msg("m1", domain.SenderUser, "Hi", t0)), ErrStaleHandle)
	assert.ErrorIs(t, s.MarkFailed(h), ErrStaleHandle)
	assert.Empty(t, s.Snapshot().Messages)
}

func TestStore_ConfirmOptimistic(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Initialize(domain.Session{ID: "abc"}))
	h, err := s.AppendOptimistic("  Hi  ", domain.SenderUser)
	require.NoError(t, err)

	e, ok := s.Entry(h)
	require.True(t, ok)
	assert.Equal(t, "Hi", e.Text)
	assert.Equal(t, "ref-1", e.ClientRef)
	assert.Equal(t, Pending, e.State)

	server := domain.Message{ID: "m1", SessionID: "abc", Sender: domain.SenderUser, Text: "Hi", ClientRef: "ref-1", CreatedAt: t0}
	require.NoError(t, s.ConfirmOptimistic(h, server))
	require.NoError(t, s.ConfirmOptimistic(h, server))
	assert.False(t, s.ApplyMessage(server))

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, Confirmed, snap.Messages[0].State)
	assert.True(t, snap.Messages[0].CreatedAt.Equal(t0))
	assert.False(t, s.HasPending(h))

	// Confirmed entries cannot fail afterwards.
	require.NoError(t, s.MarkFailed(h))
	assert.Equal(t, Confirmed, s.Snapshot().Messages[0].State)
}

func TestStore_FailedMessageStaysVisible(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Initialize(domain.Session{ID: "abc"}))
	h, _ := s.AppendOptimistic("Hi", domain.SenderUser)

	require.NoError(t, s.MarkFailed(h))

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, Failed, snap.Messages[0].State)
}

func TestStore_IgnoresOtherSessions(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Initialize(domain.Session{ID: "abc", Messages: []domain.Message{msg("m1", domain.SenderUser, "Hi", t0)}}))

	assert.False(t, s.ApplyMessage(domain.Message{ID: "x", SessionID: "zzz", Sender: domain.SenderBot, Text: "nope", CreatedAt: t0}))
	s.ApplySnapshot(domain.Session{ID: "zzz", Status: domain.StatusClosed})

	snap := s.Snapshot()
	assert.Equal(t, domain.StatusBot, snap.Status)
	assert.Len(t, snap.Messages, 1)
}

func TestStore_DropsMalformedMessages(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Initialize(domain.Session{ID: "abc"}))

	assert.False(t, s.ApplyMessage(domain.Message{ID: "x", SessionID: "abc", Sender: "robot", Text: "hi", CreatedAt: t0}))
	assert.False(t, s.ApplyMessage(domain.Message{ID: "y", SessionID: "abc", Sender: domain.SenderBot, Text: " ", CreatedAt: t0}))
	assert.Empty(t, s.Snapshot().Messages)
}

func TestStore_TransitionsAreGuarded(t *testing.T) {
	s := newTestStore(t)
	assert.False(t, s.SetStatus(domain.StatusWaiting), "no session yet")

	require.NoError(t, s.Initialize(domain.Session{ID: "abc"}))
	assert.ErrorIs(t, s.RequestEscalation(), ErrIllegalTransition)

	s.ApplyMessage(msg("m1", domain.SenderUser, "Hi", t0))
	require.True(t, s.Snapshot().CanEscalate)
	require.NoError(t, s.RequestEscalation())
	assert.Equal(t, domain.StatusWaiting, s.Snapshot().Status)

	assert.False(t, s.SetStatus(domain.StatusActive), "active needs an agent")
	assert.False(t, s.SetAssignedAgent(&domain.Agent{Name: "nobody"}))
	assert.True(t, s.SetAssignedAgent(sam))
	assert.False(t, s.SetStatus(domain.StatusBot))
	assert.False(t, s.MarkEscalated())
	assert.True(t, s.MarkClosed())
	assert.False(t, s.MarkClosed())

	snap := s.Snapshot()
	assert.Equal(t, domain.StatusClosed, snap.Status)
	assert.False(t, snap.InputEnabled)
	assert.Nil(t, snap.AssignedAgent)
}

func TestStore_Typing(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Initialize(domain.Session{ID: "abc"}))

	assert.True(t, s.SetTyping(domain.SenderAdmin, true))
	assert.False(t, s.SetTyping(domain.SenderAdmin, true))
	assert.Equal(t, domain.SenderAdmin, s.Snapshot().TypingSender)

	// A message from the typist clears the indicator.
	s.ApplyMessage(msg("m1", domain.SenderAdmin, "Hello", t0))
	assert.Empty(t, s.Snapshot().TypingSender)

	s.SetTyping(domain.SenderBot, true)
	assert.False(t, s.SetTyping(domain.SenderAdmin, false))
	assert.True(t, s.SetTyping(domain.SenderBot, false))
}

func TestStore_SubscribeAndTeardown(t *testing.T) {
	s := newTestStore(t)
	var got []Snapshot
	cancel := s.Subscribe(func(snap Snapshot) { got = append(got, snap) })

	require.NoError(t, s.Initialize(domain.Session{ID: "abc"}))
	_, _ = s.AppendOptimistic("Hi", domain.SenderUser)
	require.Len(t, got, 2)
	assert.Len(t, got[1].Messages, 1)

	// Snapshots are copies.
	got[1].Messages[0].Text = "mutated"
	assert.Equal(t, "Hi", s.Snapshot().Messages[0].Text)

	cancel()
	_, _ = s.AppendOptimistic("again", domain.SenderUser)
	assert.Len(t, got, 2)

	s.Subscribe(func(snap Snapshot) { got = append(got, snap) })
	s.Teardown()
	s.Teardown()
	_, _ = s.AppendOptimistic("after teardown", domain.SenderUser)
	assert.Len(t, got, 2)
}
