package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentchat/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func msg(id string, sender domain.Sender, text string, at time.Time) domain.Message {
	return domain.Message{ID: id, SessionID: "abc", Sender: sender, Text: text, CreatedAt: at}
}

func texts(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Text
	}
	return out
}

func TestReconciler_SnapshotIsIdempotent(t *testing.T) {
	r := NewReconciler(0)
	snapshot := []domain.Message{
		msg("m1", domain.SenderUser, "Hi", t0),
		msg("m2", domain.SenderBot, "Hello! How can I help?", t0.Add(time.Second)),
		msg("m3", domain.SenderUser, "Hi", t0.Add(time.Minute)),
	}

	require.True(t, r.Merge(snapshot))
	first := r.Entries()

	assert.False(t, r.Merge(snapshot))
	assert.Equal(t, first, r.Entries())
	assert.Len(t, first, 3)
}

func TestReconciler_OptimisticUpgrade(t *testing.T) {
	r := NewReconciler(0)
	h := Handle{gen: 1, id: 1}
	r.AddPending(Entry{Handle: h, Sender: domain.SenderUser, Text: "hello", CreatedAt: t0.Add(-2 * time.Second)})

	require.True(t, r.Confirm(msg("X", domain.SenderUser, "hello", t0)))

	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, Confirmed, entries[0].State)
	assert.Equal(t, "X", entries[0].ServerID)
	assert.True(t, entries[0].CreatedAt.Equal(t0))
	assert.Equal(t, h, entries[0].Handle)
}

func TestReconciler_DualConfirmation(t *testing.T) {
	tests := []struct {
		name string
		push domain.Message
		rest domain.Message
	}{
		{
			name: "same server id",
			push: msg("m1", domain.SenderUser, "Hi", t0),
			rest: msg("m1", domain.SenderUser, "Hi", t0),
		},
		{
			name: "rest copy without id inside window",
			push: msg("m1", domain.SenderUser, "Hi", t0),
			rest: msg("", domain.SenderUser, "Hi", t0.Add(3*time.Second)),
		},
		{
			name: "matched by client ref",
			push: domain.Message{ID: "m1", SessionID: "abc", Sender: domain.SenderUser, Text: "Hi", ClientRef: "ref-1", CreatedAt: t0},
			rest: domain.Message{ID: "m1", SessionID: "abc", Sender: domain.SenderUser, Text: "Hi", ClientRef: "ref-1", CreatedAt: t0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReconciler(0)
			h := Handle{gen: 1, id: 1}
			r.AddPending(Entry{Handle: h, ClientRef: "ref-1", Sender: domain.SenderUser, Text: "Hi", CreatedAt: t0})

			r.Confirm(tt.push)
			found, _ := r.ConfirmHandle(h, tt.rest)
			require.True(t, found)
			r.Merge([]domain.Message{tt.rest})

			entries := r.Entries()
			require.Len(t, entries, 1)
			assert.Equal(t, Confirmed, entries[0].State)
			assert.Equal(t, "m1", entries[0].ServerID)
		})
	}
}

func TestReconciler_RestBeforePush(t *testing.T) {
	r := NewReconciler(0)
	h := Handle{gen: 1, id: 1}
	r.AddPending(Entry{Handle: h, ClientRef: "ref-1", Sender: domain.SenderUser, Text: "Hi", CreatedAt: t0})

	found, changed := r.ConfirmHandle(h, domain.Message{ID: "m1", Sender: domain.SenderUser, Text: "Hi", ClientRef: "ref-1", CreatedAt: t0})
	require.True(t, found)
	require.True(t, changed)

	assert.False(t, r.Confirm(domain.Message{ID: "m1", Sender: domain.SenderUser, Text: "Hi", ClientRef: "ref-1", CreatedAt: t0}))
	assert.Equal(t, 1, r.Len())
}

func TestReconciler_ConfirmHandleDropsDuplicatePending(t *testing.T) {
	r := NewReconciler(0)
	r.Confirm(msg("m1", domain.SenderUser, "Hi", t0))
	h := Handle{gen: 1, id: 1}
	r.AddPending(Entry{Handle: h, Sender: domain.SenderUser, Text: "Hi", CreatedAt: t0.Add(time.Second)})

	found, changed := r.ConfirmHandle(h, msg("m1", domain.SenderUser, "Hi", t0))
	assert.True(t, found)
	assert.True(t, changed)
	assert.Equal(t, 1, r.Len())
}

func TestReconciler_OutOfOrderArrival(t *testing.T) {
	r := NewReconciler(0)
	h1 := Handle{gen: 1, id: 1}
	h2 := Handle{gen: 1, id: 2}
	r.AddPending(Entry{Handle: h1, Sender: domain.SenderUser, Text: "first", CreatedAt: t0})
	r.AddPending(Entry{Handle: h2, Sender: domain.SenderUser, Text: "second", CreatedAt: t0.Add(time.Second)})

	r.ConfirmHandle(h2, msg("m2", domain.SenderUser, "second", t0.Add(20*time.Second)))
	r.ConfirmHandle(h1, msg("m1", domain.SenderUser, "first", t0.Add(10*time.Second)))

	assert.Equal(t, []string{"first", "second"}, texts(r.Entries()))
}

func TestReconciler_SnapshotInsertsChronologically(t *testing.T) {
	r := NewReconciler(0)
	r.Confirm(msg("m3", domain.SenderBot, "third", t0.Add(3*time.Second)))
	r.Confirm(msg("m1", domain.SenderUser, "first", t0.Add(1*time.Second)))

	r.Merge([]domain.Message{msg("m2", domain.SenderBot, "second", t0.Add(2*time.Second))})

	assert.Equal(t, []string{"first", "second", "third"}, texts(r.Entries()))
}

func TestReconciler_TiesKeepArrivalOrder(t *testing.T) {
	r := NewReconciler(0)
	r.Confirm(msg("m1", domain.SenderBot, "a", t0))
	r.Confirm(msg("m2", domain.SenderBot, "b", t0))
	r.Confirm(msg("m3", domain.SenderBot, "c", t0))

	assert.Equal(t, []string{"a", "b", "c"}, texts(r.Entries()))
}

func TestReconciler_RepeatedTextIsNotCollapsed(t *testing.T) {
	r := NewReconciler(0)

	r.Confirm(msg("m1", domain.SenderUser, "yes", t0))
	r.Confirm(msg("m2", domain.SenderUser, "yes", t0.Add(time.Second)))
	r.Confirm(msg("", domain.SenderUser, "yes", t0.Add(time.Minute)))

	assert.Equal(t, 3, r.Len())
}

func TestReconciler_PendingPreservedBySnapshot(t *testing.T) {
	r := NewReconciler(0)
	h := Handle{gen: 1, id: 1}
	r.AddPending(Entry{Handle: h, Sender: domain.SenderUser, Text: "still sending", CreatedAt: t0.Add(time.Minute)})

	r.Merge([]domain.Message{msg("m1", domain.SenderBot, "welcome", t0)})

	st, ok := r.State(h)
	require.True(t, ok)
	assert.Equal(t, Pending, st)
	assert.Equal(t, []string{"welcome", "still sending"}, texts(r.Entries()))
}

func TestReconciler_MarkFailed(t *testing.T) {
	r := NewReconciler(0)
	h := Handle{gen: 1, id: 1}
	r.AddPending(Entry{Handle: h, ClientRef: "ref-1", Sender: domain.SenderUser, Text: "Hi", CreatedAt: t0})

	found, changed := r.MarkFailed(h)
	assert.True(t, found)
	assert.True(t, changed)

	found, changed = r.MarkFailed(h)
	assert.True(t, found)
	assert.False(t, changed)

	// A late echo carrying the ref still upgrades the failed entry.
	r.Confirm(domain.Message{ID: "m1", Sender: domain.SenderUser, Text: "Hi", ClientRef: "ref-1", CreatedAt: t0})
	st, _ := r.State(h)
	assert.Equal(t, Confirmed, st)
	assert.Equal(t, 1, r.Len())

	found, _ = r.MarkFailed(Handle{gen: 1, id: 9})
	assert.False(t, found)
}
