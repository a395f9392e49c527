package chat

import (
	"sort"
	"time"

	"rentchat/internal/domain"
)

// DefaultDedupWindow is the content+time tolerance used when server ids cannot decide.
const DefaultDedupWindow = 5 * time.Second

// DeliveryState tracks a message from local submission to server acknowledgement.
type DeliveryState string

const (
	Pending   DeliveryState = "pending"
	Confirmed DeliveryState = "confirmed"
	Failed    DeliveryState = "failed"
)

// Handle addresses one optimistic entry. It is bound to the session
// generation it was created in and goes stale when the store is reinitialized.
type Handle struct {
	gen uint64
	id  uint64
}

// IsZero reports whether h addresses nothing (entries that arrived confirmed).
func (h Handle) IsZero() bool { return h.id == 0 }

// Entry is one line of the client-side message log.
type Entry struct {
	Handle    Handle
	ServerID  string
	ClientRef string
	Sender    domain.Sender
	Text      string
	CreatedAt time.Time
	State     DeliveryState

	seq uint64 // arrival order at the reconciler, breaks timestamp ties
}

// Reconciler keeps one ordered, duplicate-free log built from optimistic
// entries, pushed messages and REST snapshots.
type Reconciler struct {
	window  time.Duration
	entries []Entry
	nextSeq uint64
}

// NewReconciler creates a reconciler. A non-positive window uses DefaultDedupWindow.
func NewReconciler(window time.Duration) *Reconciler {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Reconciler{window: window}
}

// Entries returns a copy of the log in display order.
func (r *Reconciler) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Reconciler) Len() int { return len(r.entries) }

// Reset empties the log.
func (r *Reconciler) Reset() {
	r.entries = nil
}

// AddPending inserts a locally created entry.
func (r *Reconciler) AddPending(e Entry) {
	e.State = Pending
	r.nextSeq++
	e.seq = r.nextSeq
	r.insert(e)
}

// Confirm merges one server-confirmed message. It reports whether the log changed.
func (r *Reconciler) Confirm(msg domain.Message) bool {
	if msg.ID != "" && r.indexByServerID(msg.ID) >= 0 {
		return false
	}

	if msg.ClientRef != "" {
		if i := r.indexByClientRef(msg.ClientRef); i >= 0 {
			if r.entries[i].State != Confirmed {
				r.upgrade(i, msg)
				return true
			}
			return r.adoptID(i, msg)
		}
	}

	if i := r.oldestPendingMatch(msg); i >= 0 {
		r.upgrade(i, msg)
		return true
	}

	if i := r.confirmedMatch(msg); i >= 0 {
		return r.adoptID(i, msg)
	}

	r.nextSeq++
	r.insert(Entry{
		ServerID:  msg.ID,
		ClientRef: msg.ClientRef,
		Sender:    msg.Sender,
		Text:      msg.Text,
		CreatedAt: msg.CreatedAt,
		State:     Confirmed,
		seq:       r.nextSeq,
	})
	return true
}

// Merge applies a REST snapshot. Local entries are never removed, so a
// confirmed message already present survives any snapshot.
func (r *Reconciler) Merge(msgs []domain.Message) bool {
	changed := false
	for _, m := range msgs {
		if r.Confirm(m) {
			changed = true
		}
	}
	return changed
}

// ConfirmHandle confirms the optimistic entry addressed by h with msg.
// found is false when no entry carries h. When msg already exists as another
// confirmed entry, the optimistic duplicate is dropped instead.
func (r *Reconciler) ConfirmHandle(h Handle, msg domain.Message) (found, changed bool) {
	i := r.indexByHandle(h)
	if i < 0 {
		return false, false
	}
	if r.entries[i].State == Confirmed {
		return true, r.adoptID(i, msg)
	}
	if j := r.duplicateOf(i, msg); j >= 0 {
		r.entries = append(r.entries[:i], r.entries[i+1:]...)
		return true, true
	}
	r.upgrade(i, msg)
	return true, true
}

// MarkFailed moves the pending entry addressed by h to Failed.
func (r *Reconciler) MarkFailed(h Handle) (found, changed bool) {
	i := r.indexByHandle(h)
	if i < 0 {
		return false, false
	}
	if r.entries[i].State != Pending {
		return true, false
	}
	r.entries[i].State = Failed
	return true, true
}

// State returns the delivery state of the entry addressed by h.
func (r *Reconciler) State(h Handle) (DeliveryState, bool) {
	i := r.indexByHandle(h)
	if i < 0 {
		return "", false
	}
	return r.entries[i].State, true
}

func (r *Reconciler) upgrade(i int, msg domain.Message) {
	e := r.entries[i]
	e.ServerID = msg.ID
	if e.ClientRef == "" {
		e.ClientRef = msg.ClientRef
	}
	if !msg.CreatedAt.IsZero() {
		e.CreatedAt = msg.CreatedAt
	}
	e.State = Confirmed
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	r.insert(e)
}

func (r *Reconciler) adoptID(i int, msg domain.Message) bool {
	if r.entries[i].ServerID != "" || msg.ID == "" {
		return false
	}
	r.entries[i].ServerID = msg.ID
	return true
}

// insert places e by (CreatedAt, seq).
func (r *Reconciler) insert(e Entry) {
	pos := sort.Search(len(r.entries), func(i int) bool {
		return before(e, r.entries[i])
	})
	r.entries = append(r.entries, Entry{})
	copy(r.entries[pos+1:], r.entries[pos:])
	r.entries[pos] = e
}

func before(a, b Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

func (r *Reconciler) indexByHandle(h Handle) int {
	if h.IsZero() {
		return -1
	}
	for i := range r.entries {
		if r.entries[i].Handle == h {
			return i
		}
	}
	return -1
}

func (r *Reconciler) indexByServerID(id string) int {
	for i := range r.entries {
		if r.entries[i].ServerID == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) indexByClientRef(ref string) int {
	for i := range r.entries {
		if r.entries[i].ClientRef == ref {
			return i
		}
	}
	return -1
}

// oldestPendingMatch finds the earliest-submitted pending entry with the same
// sender and text whose client ref does not contradict msg.
func (r *Reconciler) oldestPendingMatch(msg domain.Message) int {
	best := -1
	for i := range r.entries {
		e := &r.entries[i]
		if e.State != Pending || e.Sender != msg.Sender || e.Text != msg.Text {
			continue
		}
		if conflicting(e.ClientRef, msg.ClientRef) {
			continue
		}
		if best < 0 || e.seq < r.entries[best].seq {
			best = i
		}
	}
	return best
}

// confirmedMatch finds a confirmed entry that refers to the same server event
// as msg according to the content+time window.
func (r *Reconciler) confirmedMatch(msg domain.Message) int {
	for i := range r.entries {
		if r.entries[i].State == Confirmed && r.sameEvent(r.entries[i], msg) {
			return i
		}
	}
	return -1
}

// duplicateOf returns the index of a confirmed entry other than skip that
// already represents msg.
func (r *Reconciler) duplicateOf(skip int, msg domain.Message) int {
	for i := range r.entries {
		if i == skip || r.entries[i].State != Confirmed {
			continue
		}
		if msg.ID != "" && r.entries[i].ServerID == msg.ID {
			return i
		}
		if r.sameEvent(r.entries[i], msg) {
			return i
		}
	}
	return -1
}

// sameEvent applies the fallback heuristic: same sender and text within the
// window, unless server ids or client refs prove otherwise.
func (r *Reconciler) sameEvent(e Entry, msg domain.Message) bool {
	if e.Sender != msg.Sender || e.Text != msg.Text {
		return false
	}
	if conflicting(e.ServerID, msg.ID) || conflicting(e.ClientRef, msg.ClientRef) {
		return false
	}
	d := e.CreatedAt.Sub(msg.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= r.window
}

func conflicting(a, b string) bool {
	return a != "" && b != "" && a != b
}
