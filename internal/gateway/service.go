// Package gateway is the reference chat service: REST and WebSocket
// endpoints over SQLite-backed sessions, with a keyword bot and admin
// operations for human agents.
package gateway

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"rentchat/internal/bot"
	"rentchat/internal/bus"
	"rentchat/internal/domain"
	"rentchat/internal/metrics"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	ErrInvalid     = errors.New("invalid request")
	ErrNotFound    = errors.New("session not found")
	ErrForbidden   = errors.New("session belongs to another user")
	ErrClosed      = errors.New("session is closed")
	ErrNotJoined   = errors.New("no agent has joined the session")
	ErrRateLimited = errors.New("rate limit exceeded")
)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Store            domain.SessionRepository
	Events           *bus.EventBus
	Bot              *bot.Responder // nil disables automated replies
	Limiter          *RateLimiter   // nil disables rate limiting
	Greeting         string         // first bot message of a new session
	MaxMessageLength int
	HistoryLimit     int
	Logger           *slog.Logger
}

// Service owns session state on the gateway. Mutations are serialized by a
// single mutex; events are emitted after it is released.
type Service struct {
	store    domain.SessionRepository
	events   *bus.EventBus
	bot      *bot.Responder
	limiter  *RateLimiter
	greeting string
	maxLen   int
	history  int
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("gateway: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = bus.NewEventBus(0, cfg.Logger)
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 2000
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 200
	}
	return &Service{
		store:    cfg.Store,
		events:   cfg.Events,
		bot:      cfg.Bot,
		limiter:  cfg.Limiter,
		greeting: cfg.Greeting,
		maxLen:   cfg.MaxMessageLength,
		history:  cfg.HistoryLimit,
		logger:   cfg.Logger.With("component", "chat-service"),
		now:      time.Now,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// Events returns the bus session events are emitted on.
func (s *Service) Events() *bus.EventBus { return s.events }

// Start returns the user's open session, creating one with the bot greeting if none exists.
func (s *Service) Start(ctx context.Context, userID string) (*domain.Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.store.GetOpenSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get open session: %w", err)
	}
	if sess != nil {
		return s.withMessages(ctx, sess)
	}

	now := s.now().UTC()
	created := domain.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    domain.StatusBot,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSession(ctx, created); err != nil {
		return nil, err
	}
	metrics.SessionsStarted.Inc()
	metrics.OpenSessions.Inc()
	s.logger.Info("session started", "session_id", created.ID, "user_id", userID)

	if s.bot != nil && s.greeting != "" {
		if _, err := s.storeMessage(ctx, created.ID, domain.SenderBot, s.greeting, ""); err != nil {
			s.logger.Error("cannot store greeting", "session_id", created.ID, "err", err)
		}
	}
	return s.withMessages(ctx, &created)
}

// Active returns the user's open session or ErrNotFound.
func (s *Service) Active(ctx context.Context, userID string) (*domain.Session, error) {
	sess, err := s.store.GetOpenSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get open session: %w", err)
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	return s.withMessages(ctx, sess)
}

// Get returns a session with its messages. An empty userID skips the owner check.
func (s *Service) Get(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	sess, err := s.load(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return s.withMessages(ctx, sess)
}

// Messages returns the message history of a session.
func (s *Service) Messages(ctx context.Context, userID, sessionID string) ([]domain.Message, error) {
	if _, err := s.load(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.store.GetMessages(ctx, sessionID, s.history)
}

// List returns sessions for the admin console; an empty status lists all.
func (s *Service) List(ctx context.Context, status domain.Status, limit int) ([]domain.Session, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalid, status)
	}
	return s.store.ListSessions(ctx, status, limit)
}

// SendUser stores a user message and, while the bot still owns the session,
// its automated reply. A repeated clientRef returns the session unchanged.
func (s *Service) SendUser(ctx context.Context, userID, sessionID, text, clientRef string) (*domain.Session, error) {
	text, err := s.validText(text)
	if err != nil {
		return nil, err
	}

	var emitted []domain.Event
	defer func() { s.emit(emitted) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == domain.StatusClosed {
		return nil, ErrClosed
	}

	if clientRef != "" {
		dup, err := s.store.FindMessageByClientRef(ctx, sessionID, clientRef)
		if err != nil {
			return nil, fmt.Errorf("find client ref: %w", err)
		}
		if dup != nil {
			metrics.DuplicateSends.Inc()
			s.logger.Debug("duplicate send collapsed", "session_id", sessionID, "client_ref", clientRef, "message_id", dup.ID)
			return s.withMessages(ctx, sess)
		}
	}

	if s.limiter != nil && !s.limiter.Allow(sess.UserID) {
		metrics.RateLimited.Inc()
		s.logger.Warn("send rate limited", "session_id", sessionID, "user_id", sess.UserID)
		return nil, ErrRateLimited
	}

	msg, err := s.storeMessage(ctx, sessionID, domain.SenderUser, text, clientRef)
	if err != nil {
		return nil, err
	}
	emitted = append(emitted, domain.MessageReceived{SessionID: sessionID, Message: msg})

	if s.bot != nil {
		if reply, ok := s.bot.Reply(sess.Status, text); ok {
			botMsg, err := s.storeMessage(ctx, sessionID, domain.SenderBot, reply, "")
			if err != nil {
				s.logger.Error("cannot store bot reply", "session_id", sessionID, "err", err)
			} else {
				metrics.BotReplies.Inc()
				emitted = append(emitted, domain.MessageReceived{SessionID: sessionID, Message: botMsg})
			}
		}
	}
	return s.withMessages(ctx, sess)
}

// Escalate moves a bot session to waiting. Escalating a waiting or active session is a no-op.
func (s *Service) Escalate(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	var emitted []domain.Event
	defer func() { s.emit(emitted) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case domain.StatusClosed:
		return nil, ErrClosed
	case domain.StatusBot:
		sess.Status = domain.StatusWaiting
		sess.IsEscalated = true
		if err := s.update(ctx, sess); err != nil {
			return nil, err
		}
		metrics.Escalations.Inc()
		s.logger.Info("session escalated", "session_id", sessionID)
		emitted = append(emitted, domain.ChatEscalated{SessionID: sessionID})
	}
	return s.withMessages(ctx, sess)
}

// Join assigns a human agent, moving the session to active. A later join
// by another agent reassigns the session.
func (s *Service) Join(ctx context.Context, sessionID string, agent domain.Agent) (*domain.Session, error) {
	agent.ID = strings.TrimSpace(agent.ID)
	if !agent.Valid() {
		return nil, fmt.Errorf("%w: agent id is required", ErrInvalid)
	}
	if agent.Name == "" {
		agent.Name = agent.ID
	}

	var emitted []domain.Event
	defer func() { s.emit(emitted) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(ctx, "", sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == domain.StatusClosed {
		return nil, ErrClosed
	}
	if sess.Status == domain.StatusActive && sess.AssignedAgent != nil && *sess.AssignedAgent == agent {
		return s.withMessages(ctx, sess)
	}

	sess.Status = domain.StatusActive
	sess.IsEscalated = true
	sess.AssignedAgent = &agent
	if err := s.update(ctx, sess); err != nil {
		return nil, err
	}
	metrics.AgentJoins.Inc()
	s.logger.Info("agent joined", "session_id", sessionID, "agent_id", agent.ID)
	a := agent
	emitted = append(emitted, domain.AdminJoined{SessionID: sessionID, Agent: &a})
	return s.withMessages(ctx, sess)
}

// AdminReply stores a message from the assigned agent.
func (s *Service) AdminReply(ctx context.Context, sessionID, text string) (*domain.Session, error) {
	text, err := s.validText(text)
	if err != nil {
		return nil, err
	}

	var emitted []domain.Event
	defer func() { s.emit(emitted) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(ctx, "", sessionID)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case domain.StatusClosed:
		return nil, ErrClosed
	case domain.StatusActive:
	default:
		return nil, ErrNotJoined
	}

	msg, err := s.storeMessage(ctx, sessionID, domain.SenderAdmin, text, "")
	if err != nil {
		return nil, err
	}
	emitted = append(emitted,
		domain.TypingChanged{SessionID: sessionID, Sender: domain.SenderAdmin, Typing: false},
		domain.MessageReceived{SessionID: sessionID, Message: msg},
	)
	return s.withMessages(ctx, sess)
}

// Close ends a session. Closing a closed session returns it unchanged. An
// empty userID closes on behalf of an agent.
func (s *Service) Close(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	var emitted []domain.Event
	defer func() { s.emit(emitted) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != domain.StatusClosed {
		if err := s.closeLocked(ctx, sess, "requested"); err != nil {
			return nil, err
		}
		emitted = append(emitted, domain.SessionClosed{SessionID: sessionID})
	}
	return s.withMessages(ctx, sess)
}

// Typing relays a typing indicator; it is not persisted.
func (s *Service) Typing(ctx context.Context, userID, sessionID string, sender domain.Sender, typing bool) error {
	if !sender.Valid() {
		return fmt.Errorf("%w: unknown sender %q", ErrInvalid, sender)
	}
	sess, err := s.load(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == domain.StatusClosed {
		return ErrClosed
	}
	if sender == domain.SenderAdmin && sess.Status != domain.StatusActive {
		return ErrNotJoined
	}
	s.events.Emit(domain.TypingChanged{SessionID: sessionID, Sender: sender, Typing: typing})
	return nil
}

// CloseIdle closes open sessions without activity for longer than idle.
func (s *Service) CloseIdle(ctx context.Context, idle time.Duration) (int, error) {
	var emitted []domain.Event
	defer func() { s.emit(emitted) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	stale, err := s.store.ListIdleSessions(ctx, s.now().Add(-idle))
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}
	closed := 0
	for i := range stale {
		sess := &stale[i]
		if err := s.closeLocked(ctx, sess, "idle"); err != nil {
			s.logger.Error("cannot close idle session", "session_id", sess.ID, "err", err)
			continue
		}
		metrics.IdleClosed.Inc()
		emitted = append(emitted, domain.SessionClosed{SessionID: sess.ID})
		closed++
	}
	return closed, nil
}

func (s *Service) closeLocked(ctx context.Context, sess *domain.Session, reason string) error {
	sess.Status = domain.StatusClosed
	if err := s.update(ctx, sess); err != nil {
		return err
	}
	metrics.SessionsClosed.Inc()
	metrics.OpenSessions.Dec()
	s.logger.Info("session closed", "session_id", sess.ID, "reason", reason)
	return nil
}

func (s *Service) load(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalid)
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	if userID != "" && sess.UserID != userID {
		return nil, ErrForbidden
	}
	return sess, nil
}

func (s *Service) update(ctx context.Context, sess *domain.Session) error {
	sess.UpdatedAt = s.now().UTC()
	return s.store.UpdateSession(ctx, *sess)
}

func (s *Service) storeMessage(ctx context.Context, sessionID string, sender domain.Sender, text, clientRef string) (domain.Message, error) {
	now := s.now().UTC()
	msg := domain.Message{
		ID:        ulid.MustNew(ulid.Timestamp(now), s.entropy).String(),
		SessionID: sessionID,
		Sender:    sender,
		Text:      text,
		ClientRef: clientRef,
		CreatedAt: now,
	}
	if err := s.store.AddMessage(ctx, msg); err != nil {
		return domain.Message{}, err
	}
	metrics.MessageStored(string(sender))
	return msg, nil
}

func (s *Service) withMessages(ctx context.Context, sess *domain.Session) (*domain.Session, error) {
	msgs, err := s.store.GetMessages(ctx, sess.ID, s.history)
	if err != nil {
		return nil, fmt.Errorf("get messages %s: %w", sess.ID, err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	out := *sess
	out.Messages = msgs
	return &out, nil
}

func (s *Service) validText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: message text is empty", ErrInvalid)
	}
	if utf8.RuneCountInString(text) > s.maxLen {
		return "", fmt.Errorf("%w: message longer than %d characters", ErrInvalid, s.maxLen)
	}
	return text, nil
}

func (s *Service) emit(events []domain.Event) {
	for _, ev := range events {
		s.events.Emit(ev)
	}
}
