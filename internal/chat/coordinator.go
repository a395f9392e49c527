package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"rentchat/internal/domain"
)

// DefaultConfirmTimeout bounds how long a message accepted only by the push
// transport may stay pending before it is marked failed.
const DefaultConfirmTimeout = 15 * time.Second

// CoordinatorConfig wires a Coordinator.
type CoordinatorConfig struct {
	API            domain.ChatAPI
	Transport      domain.Transport // optional; nil runs on REST alone
	Logger         *slog.Logger
	DedupWindow    time.Duration
	ConfirmTimeout time.Duration
	Now            func() time.Time
	NewRef         func() string
}

// Coordinator drives a Store from user actions, REST responses and push
// events. Every store mutation runs under one mutex, one at a time; network
// calls run outside it.
type Coordinator struct {
	api            domain.ChatAPI
	transport      domain.Transport
	logger         *slog.Logger
	confirmTimeout time.Duration

	mu          sync.Mutex
	store       *Store
	connected   bool
	resyncing   bool
	resyncAgain bool // a reconnect arrived while a resync was in flight
	buffered    []domain.Event
	timers      map[Handle]*time.Timer
}

// New creates a coordinator. It does not touch the network until Open.
func New(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.API == nil {
		return nil, errors.New("chat: coordinator needs a ChatAPI")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	return &Coordinator{
		api:            cfg.API,
		transport:      cfg.Transport,
		logger:         cfg.Logger,
		confirmTimeout: cfg.ConfirmTimeout,
		store: NewStore(StoreConfig{
			Logger:      cfg.Logger,
			DedupWindow: cfg.DedupWindow,
			Now:         cfg.Now,
			NewRef:      cfg.NewRef,
		}),
		timers: make(map[Handle]*time.Timer),
	}, nil
}

// Open resumes the caller's open session or starts a new one, then
// subscribes the transport to it.
func (c *Coordinator) Open(ctx context.Context) (Snapshot, error) {
	sess, err := c.api.GetActiveSession(ctx)
	if err != nil {
		return Snapshot{}, requestErr("get active session", err)
	}
	if sess == nil {
		if sess, err = c.api.StartSession(ctx); err != nil {
			return Snapshot{}, requestErr("start session", err)
		}
	}

	c.mu.Lock()
	if c.store.SessionID() == sess.ID {
		c.store.ApplySnapshot(*sess)
	} else {
		c.stopTimersLocked()
		if err := c.store.Initialize(*sess); err != nil {
			c.mu.Unlock()
			return Snapshot{}, err
		}
	}
	snap := c.store.Snapshot()
	c.mu.Unlock()

	if c.transport != nil {
		if err := c.transport.Subscribe(sess.ID); err != nil {
			c.logger.Warn("push subscription failed, using REST only", "session_id", sess.ID, "err", err)
		}
	}
	c.logger.Info("chat session opened", "session_id", sess.ID, "status", snap.Status, "messages", len(snap.Messages))
	return snap, nil
}

// Send appends an optimistic message and dispatches it over the transport
// and the REST API. Both confirmations collapse into one entry.
func (c *Coordinator) Send(ctx context.Context, text string) (Handle, error) {
	if strings.TrimSpace(text) == "" {
		return Handle{}, ErrInvalidInput
	}
	c.mu.Lock()
	if c.store.SessionID() != "" && !c.store.machine.InputEnabled() {
		c.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: session is closed", ErrIllegalTransition)
	}
	h, err := c.store.AppendOptimistic(text, domain.SenderUser)
	if err != nil {
		c.mu.Unlock()
		return Handle{}, err
	}
	entry, _ := c.store.Entry(h)
	sessionID := c.store.SessionID()
	c.mu.Unlock()

	out := domain.OutgoingMessage{SessionID: sessionID, Text: entry.Text, ClientRef: entry.ClientRef}
	accepted := c.transport != nil && c.transport.Send(out)

	sess, err := c.api.SendMessage(ctx, sessionID, entry.Text, entry.ClientRef)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		if accepted {
			c.logger.Warn("REST send failed, waiting for push echo", "session_id", sessionID, "client_ref", entry.ClientRef, "err", err)
			c.armConfirmTimerLocked(h)
			return h, nil
		}
		if ferr := c.store.MarkFailed(h); ferr != nil {
			c.logger.Debug("failed send no longer tracked", "client_ref", entry.ClientRef, "err", ferr)
		}
		err = requestErr("send message", err)
		if c.transport != nil {
			err = errors.Join(ErrTransportUnavailable, err)
		}
		return h, err
	}

	if msg, ok := findByClientRef(sess.Messages, entry.ClientRef); ok {
		if cerr := c.store.ConfirmOptimistic(h, msg); cerr != nil {
			c.logger.Debug("confirmation for replaced session ignored", "client_ref", entry.ClientRef, "err", cerr)
		}
	} else {
		c.armConfirmTimerLocked(h)
	}
	c.store.ApplySnapshot(*sess)
	return h, nil
}

// Escalate asks for a human agent. It is a no-op while already waiting.
func (c *Coordinator) Escalate(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.store.SessionID()
	status := c.store.machine.Status()
	canEscalate := c.store.machine.CanEscalate(c.store.log.Len() > 0)
	c.mu.Unlock()

	switch {
	case sessionID == "":
		return ErrNoSession
	case status == domain.StatusWaiting:
		return nil
	case !canEscalate:
		return fmt.Errorf("%w: cannot escalate in %s", ErrIllegalTransition, status)
	}

	sess, err := c.api.Escalate(ctx, sessionID)
	if err != nil {
		return requestErr("escalate", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store.SessionID() != sessionID {
		return ErrStaleHandle
	}
	if err := c.store.RequestEscalation(); err != nil && !errors.Is(err, ErrIllegalTransition) {
		return err
	}
	c.store.ApplySnapshot(*sess)
	return nil
}

// EndSession closes the session on the server.
func (c *Coordinator) EndSession(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.store.SessionID()
	c.mu.Unlock()
	if sessionID == "" {
		return ErrNoSession
	}

	sess, err := c.api.CloseSession(ctx, sessionID)
	if err != nil {
		return requestErr("close session", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store.SessionID() == sessionID {
		c.store.MarkClosed()
		c.store.ApplySnapshot(*sess)
	}
	return nil
}

// SetTyping forwards the user's typing indicator. It reports whether the
// transport accepted it.
func (c *Coordinator) SetTyping(typing bool) bool {
	if c.transport == nil {
		return false
	}
	c.mu.Lock()
	sessionID := c.store.SessionID()
	c.mu.Unlock()
	if sessionID == "" {
		return false
	}
	return c.transport.SendTyping(sessionID, typing)
}

// Run consumes transport events until ctx is done or the event stream ends.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.transport == nil {
		<-ctx.Done()
		return nil
	}
	events := c.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.Handle(ctx, ev)
		}
	}
}

// Handle applies one transport event.
func (c *Coordinator) Handle(ctx context.Context, ev domain.Event) {
	if cc, ok := ev.(domain.ConnectionChanged); ok {
		c.onConnection(ctx, cc)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resyncing {
		c.buffered = append(c.buffered, ev)
		return
	}
	c.applyLocked(ev)
}

func (c *Coordinator) applyLocked(ev domain.Event) {
	current := c.store.SessionID()
	if ev.Session() != current {
		c.logger.Debug("ignoring event for another session", "kind", ev.Kind(), "session_id", ev.Session(), "current", current)
		return
	}

	switch e := ev.(type) {
	case domain.MessageReceived:
		c.store.ApplyMessage(e.Message)
	case domain.TypingChanged:
		if e.Sender != domain.SenderUser {
			c.store.SetTyping(e.Sender, e.Typing)
		}
	case domain.ChatEscalated:
		c.store.MarkEscalated()
	case domain.AdminJoined:
		c.store.SetAssignedAgent(e.Agent)
	case domain.SessionClosed:
		c.store.MarkClosed()
		c.stopTimersLocked()
	case domain.ConnectionChanged:
		// handled before locking
	default:
		c.logger.Warn("unhandled event", "kind", ev.Kind())
	}
}

func (c *Coordinator) onConnection(ctx context.Context, ev domain.ConnectionChanged) {
	c.mu.Lock()
	c.connected = ev.State != domain.ConnDisconnected
	sessionID := c.store.SessionID()
	if ev.State != domain.ConnReconnected || sessionID == "" {
		c.mu.Unlock()
		c.logger.Debug("transport connection changed", "state", ev.State)
		return
	}
	if c.resyncing {
		// The running fetch may predate this drop; fetch again before draining.
		c.resyncAgain = true
		c.mu.Unlock()
		c.logger.Debug("reconnected during resync, will refetch", "session_id", sessionID)
		return
	}
	c.resyncing = true
	c.mu.Unlock()

	c.logger.Info("transport reconnected, resyncing", "session_id", sessionID)
	go c.resync(ctx, sessionID)
}

// resync reconciles the REST snapshot missed while disconnected, then
// replays push events that arrived in the meantime. A reconnect during the
// fetch triggers another fetch before the buffer is replayed.
func (c *Coordinator) resync(ctx context.Context, sessionID string) {
	for {
		sess, err := c.api.GetActiveSession(ctx)

		c.mu.Lock()
		switch {
		case err != nil:
			c.logger.Error("resync failed", "session_id", sessionID, "err", err)
		case c.store.SessionID() != sessionID:
		case sess == nil || sess.ID != sessionID:
			// The user has no open session with this id any more.
			c.store.MarkClosed()
		default:
			c.store.ApplySnapshot(*sess)
		}

		if c.resyncAgain && ctx.Err() == nil {
			c.resyncAgain = false
			sessionID = c.store.SessionID()
			c.mu.Unlock()
			continue
		}

		buffered := c.buffered
		c.buffered = nil
		c.resyncing = false
		c.resyncAgain = false
		for _, ev := range buffered {
			c.applyLocked(ev)
		}
		c.mu.Unlock()
		return
	}
}

// Connected reports the last known transport state.
func (c *Coordinator) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Snapshot()
}

// Subscribe registers fn for state changes. fn runs while the coordinator is
// locked and must not call back into it.
func (c *Coordinator) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel := c.store.Subscribe(fn)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		cancel()
	}
}

// Close detaches UI subscribers and pending confirmation timers. In-flight
// requests still complete and update the store. Safe to call more than once.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimersLocked()
	c.store.Teardown()
}

func (c *Coordinator) armConfirmTimerLocked(h Handle) {
	if _, ok := c.timers[h]; ok {
		return
	}
	c.timers[h] = time.AfterFunc(c.confirmTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.timers, h)
		if c.store.HasPending(h) {
			c.logger.Warn("message not confirmed in time", "timeout", c.confirmTimeout)
			_ = c.store.MarkFailed(h)
		}
	})
}

func (c *Coordinator) stopTimersLocked() {
	for h, t := range c.timers {
		t.Stop()
		delete(c.timers, h)
	}
}

func findByClientRef(msgs []domain.Message, ref string) (domain.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ClientRef == ref {
			return msgs[i], true
		}
	}
	return domain.Message{}, false
}

func requestErr(op string, err error) error {
	if errors.Is(err, ErrRequestFailed) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrRequestFailed, err)
}
