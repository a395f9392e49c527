package domain

import "errors"

// ErrMalformedEvent is returned when an inbound event is missing required fields.
var ErrMalformedEvent = errors.New("malformed event")

// EventKind names the closed set of push events.
type EventKind string

const (
	KindMessageReceived EventKind = "message"
	KindTypingChanged   EventKind = "typing"
	KindChatEscalated   EventKind = "chat_escalated"
	KindAdminJoined     EventKind = "admin_joined"
	KindSessionClosed   EventKind = "session_closed"
	KindConnection      EventKind = "connection"
)

// Event is a push event for one session. The set of implementations is
// closed: only the types in this file satisfy it.
type Event interface {
	Kind() EventKind
	Session() string
	sealed()
}

// MessageReceived carries a message stored by the server.
type MessageReceived struct {
	SessionID string
	Message   Message
}

// TypingChanged reports that the other side started or stopped typing.
type TypingChanged struct {
	SessionID string
	Sender    Sender
	Typing    bool
}

// ChatEscalated reports that the session is waiting for a human agent.
type ChatEscalated struct {
	SessionID string
}

// AdminJoined reports that a human agent took the session.
type AdminJoined struct {
	SessionID string
	Agent     *Agent
}

// SessionClosed reports that the server closed the session.
type SessionClosed struct {
	SessionID string
}

// ConnState is the push transport's connection state.
type ConnState string

const (
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnReconnected  ConnState = "reconnected"
)

// ConnectionChanged is produced locally by the transport; it never crosses the wire.
type ConnectionChanged struct {
	State ConnState
}

func (e MessageReceived) Kind() EventKind   { return KindMessageReceived }
func (e TypingChanged) Kind() EventKind     { return KindTypingChanged }
func (e ChatEscalated) Kind() EventKind     { return KindChatEscalated }
func (e AdminJoined) Kind() EventKind       { return KindAdminJoined }
func (e SessionClosed) Kind() EventKind     { return KindSessionClosed }
func (e ConnectionChanged) Kind() EventKind { return KindConnection }

func (e MessageReceived) Session() string   { return e.SessionID }
func (e TypingChanged) Session() string     { return e.SessionID }
func (e ChatEscalated) Session() string     { return e.SessionID }
func (e AdminJoined) Session() string       { return e.SessionID }
func (e SessionClosed) Session() string     { return e.SessionID }
func (e ConnectionChanged) Session() string { return "" }

func (MessageReceived) sealed()   {}
func (TypingChanged) sealed()     {}
func (ChatEscalated) sealed()     {}
func (AdminJoined) sealed()       {}
func (SessionClosed) sealed()     {}
func (ConnectionChanged) sealed() {}
