package domain

import (
	"context"
	"time"
)

// ChatAPI is the request/response contract of the chat service (the REST fallback).
type ChatAPI interface {
	// StartSession returns the caller's open session, creating one if needed.
	StartSession(ctx context.Context) (*Session, error)
	// GetActiveSession returns nil, nil when the caller has no open session.
	GetActiveSession(ctx context.Context) (*Session, error)
	SendMessage(ctx context.Context, sessionID, text, clientRef string) (*Session, error)
	Escalate(ctx context.Context, sessionID string) (*Session, error)
	CloseSession(ctx context.Context, sessionID string) (*Session, error)
}

// Transport is the push channel between the widget and the chat service.
type Transport interface {
	Connect(ctx context.Context) error
	// Subscribe replaces any existing subscription with one for sessionID.
	Subscribe(sessionID string) error
	// Send reports whether the transport was connected and accepted the message.
	Send(msg OutgoingMessage) bool
	SendTyping(sessionID string, typing bool) bool
	Events() <-chan Event
	Close() error
}

// SessionRepository persists sessions and messages for the chat gateway.
type SessionRepository interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	// GetOpenSession returns the user's newest non-closed session, or nil.
	GetOpenSession(ctx context.Context, userID string) (*Session, error)
	UpdateSession(ctx context.Context, s Session) error
	ListSessions(ctx context.Context, status Status, limit int) ([]Session, error)
	// ListIdleSessions returns open sessions not updated since the given time.
	ListIdleSessions(ctx context.Context, since time.Time) ([]Session, error)

	AddMessage(ctx context.Context, msg Message) error
	// FindMessageByClientRef returns nil when no message carries the ref.
	FindMessageByClientRef(ctx context.Context, sessionID, clientRef string) (*Message, error)
	GetMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)

	Close() error
}
