package chat

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"rentchat/internal/domain"

	"github.com/google/uuid"
)

// Snapshot is an immutable view of the store handed to renderers.
type Snapshot struct {
	SessionID     string
	Status        domain.Status
	IsEscalated   bool
	AssignedAgent *domain.Agent
	Messages      []Entry
	TypingSender  domain.Sender // empty when nobody is typing
	CanEscalate   bool
	InputEnabled  bool
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Logger      *slog.Logger
	DedupWindow time.Duration
	Now         func() time.Time // clock for optimistic timestamps
	NewRef      func() string    // client ref generator
}

// Store is the single source of truth for one chat session. It performs no
// I/O and is not safe for concurrent use: the Coordinator serializes access.
type Store struct {
	logger *slog.Logger
	now    func() time.Time
	newRef func() string

	sessionID  string
	gen        uint64
	nextHandle uint64
	machine    *Machine
	log        *Reconciler
	typing     domain.Sender

	subs    map[int]func(Snapshot)
	nextSub int
}

// NewStore creates an empty store. Initialize must be called before messages can be appended.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewRef == nil {
		cfg.NewRef = uuid.NewString
	}
	return &Store{
		logger:  cfg.Logger,
		now:     cfg.Now,
		newRef:  cfg.NewRef,
		machine: NewMachine(),
		log:     NewReconciler(cfg.DedupWindow),
		subs:    make(map[int]func(Snapshot)),
	}
}

// SessionID returns the current session id, empty before Initialize.
func (s *Store) SessionID() string { return s.sessionID }

// Initialize replaces the state wholesale with a session fetched or created
// over REST. Handles from any earlier session become stale.
func (s *Store) Initialize(session domain.Session) error {
	if session.ID == "" {
		return fmt.Errorf("%w: session without id", ErrInvalidInput)
	}
	s.gen++
	s.sessionID = session.ID
	s.machine.Reset()
	s.log.Reset()
	s.typing = ""

	s.log.Merge(s.sessionMessages(session.Messages))
	if session.Status == "" {
		session.Status = domain.StatusBot
	}
	if _, err := s.machine.Apply(session.Status, session.AssignedAgent); err != nil {
		s.logger.Warn("ignoring session status", "session_id", session.ID, "status", session.Status, "err", err)
	}
	if session.IsEscalated {
		s.machine.NoteEscalated()
	}

	s.logger.Debug("chat session initialized", "session_id", session.ID, "status", s.machine.Status(), "messages", s.log.Len())
	s.notify()
	return nil
}

// AppendOptimistic records a message the user just submitted.
func (s *Store) AppendOptimistic(text string, sender domain.Sender) (Handle, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Handle{}, ErrInvalidInput
	}
	if s.sessionID == "" {
		return Handle{}, ErrNoSession
	}
	if sender == "" {
		sender = domain.SenderUser
	}
	s.nextHandle++
	h := Handle{gen: s.gen, id: s.nextHandle}
	s.log.AddPending(Entry{
		Handle:    h,
		ClientRef: s.newRef(),
		Sender:    sender,
		Text:      text,
		CreatedAt: s.now(),
	})
	s.notify()
	return h, nil
}

// Entry returns the live entry addressed by h.
func (s *Store) Entry(h Handle) (Entry, bool) {
	if h.gen != s.gen {
		return Entry{}, false
	}
	for _, e := range s.log.entries {
		if e.Handle == h {
			return e, true
		}
	}
	return Entry{}, false
}

// Reconcile merges an authoritative message list (REST response or snapshot).
func (s *Store) Reconcile(messages []domain.Message) {
	if s.log.Merge(s.sessionMessages(messages)) {
		s.notify()
	}
}

// ApplySnapshot reconciles a full session returned by the REST API,
// including its lifecycle status. Snapshots for other sessions are ignored.
func (s *Store) ApplySnapshot(session domain.Session) {
	if session.ID == "" || session.ID != s.sessionID {
		s.logger.Debug("ignoring snapshot for another session", "session_id", session.ID, "current", s.sessionID)
		return
	}
	changed := s.log.Merge(s.sessionMessages(session.Messages))
	if session.Status == "" {
		session.Status = s.machine.Status()
	}
	ok, err := s.machine.Apply(session.Status, session.AssignedAgent)
	if err != nil {
		// Snapshots can lag behind pushed events; backward statuses are expected.
		s.logger.Debug("snapshot status not applied", "session_id", session.ID, "status", session.Status, "err", err)
	}
	if session.IsEscalated && s.machine.NoteEscalated() {
		ok = true
	}
	if changed || ok {
		s.notify()
	}
}

// ApplyMessage merges one message pushed by the transport.
func (s *Store) ApplyMessage(msg domain.Message) bool {
	if msg.SessionID != "" && msg.SessionID != s.sessionID {
		s.logger.Debug("ignoring message for another session", "session_id", msg.SessionID, "current", s.sessionID)
		return false
	}
	if !msg.Sender.Valid() || strings.TrimSpace(msg.Text) == "" {
		s.logger.Warn("dropping malformed message", "session_id", s.sessionID, "sender", msg.Sender, "err", ErrMalformedEvent)
		return false
	}
	changed := s.log.Confirm(msg)
	if s.typing == msg.Sender {
		s.typing = ""
		changed = true
	}
	if changed {
		s.notify()
	}
	return changed
}

// ConfirmOptimistic replaces the pending entry addressed by h with the
// server's copy. Confirming an entry the other channel already confirmed is a no-op.
func (s *Store) ConfirmOptimistic(h Handle, msg domain.Message) error {
	if h.gen != s.gen || (msg.SessionID != "" && msg.SessionID != s.sessionID) {
		return ErrStaleHandle
	}
	found, changed := s.log.ConfirmHandle(h, msg)
	if !found {
		return ErrStaleHandle
	}
	if changed {
		s.notify()
	}
	return nil
}

// MarkFailed flags the pending entry addressed by h. The store never retries.
func (s *Store) MarkFailed(h Handle) error {
	if h.gen != s.gen {
		return ErrStaleHandle
	}
	found, changed := s.log.MarkFailed(h)
	if !found {
		return ErrStaleHandle
	}
	if changed {
		s.notify()
	}
	return nil
}

// SetStatus moves the lifecycle toward status. Illegal transitions are
// logged and ignored since they come from untrusted server events.
func (s *Store) SetStatus(status domain.Status) bool {
	return s.transition("status", func() (bool, error) {
		return s.machine.Apply(status, s.machine.agent)
	})
}

// SetAssignedAgent records the agent that joined (or was reassigned to) the session.
func (s *Store) SetAssignedAgent(agent *domain.Agent) bool {
	return s.transition("agent", func() (bool, error) {
		return s.machine.AgentJoined(agent)
	})
}

// MarkEscalated applies a server escalation event.
func (s *Store) MarkEscalated() bool {
	return s.transition("escalated", s.machine.ServerEscalated)
}

// MarkClosed applies a server close event.
func (s *Store) MarkClosed() bool {
	return s.transition("closed", func() (bool, error) {
		return s.machine.Close(), nil
	})
}

// RequestEscalation applies the user's escalate action. Unlike server
// events, its failure is returned so the UI can react.
func (s *Store) RequestEscalation() error {
	if s.sessionID == "" {
		return ErrNoSession
	}
	changed, err := s.machine.RequestEscalation(s.log.Len() > 0)
	if err != nil {
		return err
	}
	if changed {
		s.notify()
	}
	return nil
}

// SetTyping updates the typing indicator for the other side of the conversation.
func (s *Store) SetTyping(sender domain.Sender, typing bool) bool {
	next := s.typing
	switch {
	case typing:
		next = sender
	case s.typing == sender:
		next = ""
	}
	if next == s.typing {
		return false
	}
	s.typing = next
	s.notify()
	return true
}

func (s *Store) transition(name string, apply func() (bool, error)) bool {
	if s.sessionID == "" {
		s.logger.Warn("ignoring transition without session", "transition", name)
		return false
	}
	changed, err := apply()
	if err != nil {
		s.logger.Warn("ignoring transition", "transition", name, "session_id", s.sessionID, "status", s.machine.Status(), "err", err)
		return false
	}
	if changed {
		s.notify()
	}
	return changed
}

// HasPending reports whether the entry addressed by h is still pending.
func (s *Store) HasPending(h Handle) bool {
	if h.gen != s.gen {
		return false
	}
	st, ok := s.log.State(h)
	return ok && st == Pending
}

// Snapshot returns an immutable copy of the current state.
func (s *Store) Snapshot() Snapshot {
	hasMessages := s.log.Len() > 0
	return Snapshot{
		SessionID:     s.sessionID,
		Status:        s.machine.Status(),
		IsEscalated:   s.machine.Escalated(),
		AssignedAgent: s.machine.Agent(),
		Messages:      s.log.Entries(),
		TypingSender:  s.typing,
		CanEscalate:   s.sessionID != "" && s.machine.CanEscalate(hasMessages),
		InputEnabled:  s.sessionID != "" && s.machine.InputEnabled(),
	}
}

// Subscribe registers fn for change notifications and returns its cancel function.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	return func() { delete(s.subs, id) }
}

// Teardown detaches every subscriber. Calling it more than once is safe.
func (s *Store) Teardown() {
	clear(s.subs)
}

func (s *Store) notify() {
	if len(s.subs) == 0 {
		return
	}
	snap := s.Snapshot()
	for _, fn := range s.subs {
		fn(snap)
	}
}

// sessionMessages drops messages that belong to a different session.
func (s *Store) sessionMessages(msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.SessionID != "" && m.SessionID != s.sessionID {
			s.logger.Warn("dropping message from another session", "session_id", m.SessionID, "current", s.sessionID)
			continue
		}
		if !m.Sender.Valid() || strings.TrimSpace(m.Text) == "" {
			s.logger.Warn("dropping malformed message", "session_id", s.sessionID, "err", ErrMalformedEvent)
			continue
		}
		out = append(out, m)
	}
	return out
}
