package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Frame types exchanged over the WebSocket push channel.
const (
	FrameSubscribe     = "subscribe"
	FrameSubscribed    = "subscribed"
	FrameMessage       = "message"
	FrameTyping        = "typing"
	FrameChatEscalated = "chat_escalated"
	FrameAdminJoined   = "admin_joined"
	FrameSessionClosed = "session_closed"
	FrameError         = "error"
)

// Frame is the JSON envelope for every WebSocket message in both directions.
type Frame struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id,omitempty"`
	Text      string   `json:"text,omitempty"`      // client -> server message
	ClientRef string   `json:"client_ref,omitempty"` // client -> server message
	Sender    Sender   `json:"sender,omitempty"`    // typing
	Typing    bool     `json:"typing,omitempty"`
	Message   *Message `json:"message,omitempty"` // server -> client message
	Agent     *Agent   `json:"agent,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// IsControl reports whether the frame is a connection-level frame rather than a session event.
func (f Frame) IsControl() bool {
	return f.Type == FrameSubscribe || f.Type == FrameSubscribed || f.Type == FrameError
}

// Event converts a server -> client frame into the closed event union.
// Frames lacking required fields return ErrMalformedEvent.
func (f Frame) Event() (Event, error) {
	if f.SessionID == "" && f.Message != nil {
		f.SessionID = f.Message.SessionID
	}
	if f.SessionID == "" {
		return nil, fmt.Errorf("%w: %s frame without session_id", ErrMalformedEvent, f.Type)
	}

	switch f.Type {
	case FrameMessage:
		if f.Message == nil {
			return nil, fmt.Errorf("%w: message frame without message", ErrMalformedEvent)
		}
		msg := *f.Message
		if msg.SessionID == "" {
			msg.SessionID = f.SessionID
		}
		if msg.SessionID != f.SessionID {
			return nil, fmt.Errorf("%w: message session %q does not match frame session %q", ErrMalformedEvent, msg.SessionID, f.SessionID)
		}
		if !msg.Sender.Valid() || strings.TrimSpace(msg.Text) == "" || msg.CreatedAt.IsZero() {
			return nil, fmt.Errorf("%w: incomplete message", ErrMalformedEvent)
		}
		return MessageReceived{SessionID: f.SessionID, Message: msg}, nil

	case FrameTyping:
		if !f.Sender.Valid() {
			return nil, fmt.Errorf("%w: typing frame without sender", ErrMalformedEvent)
		}
		return TypingChanged{SessionID: f.SessionID, Sender: f.Sender, Typing: f.Typing}, nil

	case FrameChatEscalated:
		return ChatEscalated{SessionID: f.SessionID}, nil

	case FrameAdminJoined:
		if !f.Agent.Valid() {
			return nil, fmt.Errorf("%w: admin_joined without agent identity", ErrMalformedEvent)
		}
		agent := *f.Agent
		return AdminJoined{SessionID: f.SessionID, Agent: &agent}, nil

	case FrameSessionClosed:
		return SessionClosed{SessionID: f.SessionID}, nil
	}

	return nil, fmt.Errorf("%w: unknown frame type %q", ErrMalformedEvent, f.Type)
}

// FrameFor converts a session event into its wire frame.
func FrameFor(ev Event) (Frame, error) {
	switch e := ev.(type) {
	case MessageReceived:
		msg := e.Message
		return Frame{Type: FrameMessage, SessionID: e.SessionID, Message: &msg}, nil
	case TypingChanged:
		return Frame{Type: FrameTyping, SessionID: e.SessionID, Sender: e.Sender, Typing: e.Typing}, nil
	case ChatEscalated:
		return Frame{Type: FrameChatEscalated, SessionID: e.SessionID}, nil
	case AdminJoined:
		return Frame{Type: FrameAdminJoined, SessionID: e.SessionID, Agent: e.Agent}, nil
	case SessionClosed:
		return Frame{Type: FrameSessionClosed, SessionID: e.SessionID}, nil
	case ConnectionChanged:
		return Frame{}, fmt.Errorf("connection events are local to the transport")
	}
	return Frame{}, fmt.Errorf("unsupported event %T", ev)
}

// EncodeEvent marshals a session event as a wire frame.
func EncodeEvent(ev Event) ([]byte, error) {
	f, err := FrameFor(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// DecodeFrame unmarshals a wire frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: frame without type", ErrMalformedEvent)
	}
	return f, nil
}
