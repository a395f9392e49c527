package domain

import "time"

// Sender identifies who authored a chat message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderBot   Sender = "bot"
	SenderAdmin Sender = "admin"
)

// Valid reports whether s is one of the known senders.
func (s Sender) Valid() bool {
	switch s {
	case SenderUser, SenderBot, SenderAdmin:
		return true
	}
	return false
}

// Status is the escalation lifecycle state of a chat session.
type Status string

const (
	StatusBot     Status = "bot"
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
)

// Rank orders statuses along the forward lifecycle. Unknown statuses rank -1.
func (s Status) Rank() int {
	switch s {
	case StatusBot:
		return 0
	case StatusWaiting:
		return 1
	case StatusActive:
		return 2
	case StatusClosed:
		return 3
	}
	return -1
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool { return s.Rank() >= 0 }

// Agent is the human support agent assigned to an escalated session.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Valid reports whether the agent carries an identity.
func (a *Agent) Valid() bool {
	return a != nil && a.ID != ""
}

// Message is a server-side chat message.
type Message struct {
	ID        string    `json:"id,omitempty"`
	SessionID string    `json:"session_id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	ClientRef string    `json:"client_ref,omitempty"` // per-send token chosen by the client
	CreatedAt time.Time `json:"created_at"`
}

// Session is the server's view of one chat conversation.
type Session struct {
	ID            string    `json:"session_id"`
	UserID        string    `json:"user_id,omitempty"`
	Status        Status    `json:"status"`
	IsEscalated   bool      `json:"is_escalated"`
	AssignedAgent *Agent    `json:"assigned_agent,omitempty"`
	Messages      []Message `json:"messages"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// OutgoingMessage is a user message handed to the push transport.
type OutgoingMessage struct {
	SessionID string
	Text      string
	ClientRef string
}
