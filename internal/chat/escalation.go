package chat

import (
	"fmt"

	"rentchat/internal/domain"
)

// Machine is the escalation state machine of one session:
// Bot -> Waiting -> Active -> Closed. It never moves backward; only Reset
// (a new session) returns it to Bot.
//
// Every transition method reports whether the state changed. Errors describe
// why a request was dropped; the machine itself is left untouched.
type Machine struct {
	status    domain.Status
	escalated bool
	agent     *domain.Agent
}

// NewMachine returns a machine in the Bot state.
func NewMachine() *Machine {
	return &Machine{status: domain.StatusBot}
}

func (m *Machine) Status() domain.Status { return m.status }

// Escalated reports whether a handoff was requested at least once in this session.
func (m *Machine) Escalated() bool { return m.escalated }

// Agent returns a copy of the assigned agent, or nil unless Active.
func (m *Machine) Agent() *domain.Agent {
	if m.agent == nil {
		return nil
	}
	a := *m.agent
	return &a
}

// Reset starts a fresh session lifecycle.
func (m *Machine) Reset() {
	m.status = domain.StatusBot
	m.escalated = false
	m.agent = nil
}

// NoteEscalated records a handoff the server reports as already requested,
// e.g. on a session that went back to the bot or was closed afterwards.
func (m *Machine) NoteEscalated() bool {
	if m.escalated {
		return false
	}
	m.escalated = true
	return true
}

// RequestEscalation handles the user asking for a human. It needs at least
// one exchanged message.
func (m *Machine) RequestEscalation(hasMessages bool) (bool, error) {
	switch m.status {
	case domain.StatusBot:
		if !hasMessages {
			return false, fmt.Errorf("%w: escalation needs at least one message", ErrIllegalTransition)
		}
		m.status = domain.StatusWaiting
		m.escalated = true
		return true, nil
	case domain.StatusWaiting:
		return false, nil
	}
	return false, fmt.Errorf("%w: cannot escalate from %s", ErrIllegalTransition, m.status)
}

// ServerEscalated handles the server reporting that the session waits for an agent.
func (m *Machine) ServerEscalated() (bool, error) {
	switch m.status {
	case domain.StatusBot:
		m.status = domain.StatusWaiting
		m.escalated = true
		return true, nil
	case domain.StatusWaiting:
		return false, nil
	}
	return false, fmt.Errorf("%w: escalated event in %s", ErrIllegalTransition, m.status)
}

// AgentJoined handles the server reporting an agent. In Active it is a
// reassignment; from Bot it is a forward jump because the server is
// authoritative and the escalation event may have been lost.
func (m *Machine) AgentJoined(agent *domain.Agent) (bool, error) {
	if !agent.Valid() {
		return false, fmt.Errorf("%w: agent without identity", ErrMalformedEvent)
	}
	switch m.status {
	case domain.StatusClosed:
		return false, fmt.Errorf("%w: agent joined a closed session", ErrIllegalTransition)
	case domain.StatusActive:
		if m.agent != nil && *m.agent == *agent {
			return false, nil
		}
	}
	a := *agent
	m.agent = &a
	m.status = domain.StatusActive
	m.escalated = true
	return true, nil
}

// Close moves any open state to Closed.
func (m *Machine) Close() bool {
	if m.status == domain.StatusClosed {
		return false
	}
	m.status = domain.StatusClosed
	m.agent = nil
	return true
}

// Apply drives the machine toward a status reported by the server, e.g. in a
// REST snapshot. Backward statuses are rejected.
func (m *Machine) Apply(status domain.Status, agent *domain.Agent) (bool, error) {
	switch status {
	case domain.StatusBot:
		if m.status == domain.StatusBot {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.status, status)
	case domain.StatusWaiting:
		return m.ServerEscalated()
	case domain.StatusActive:
		return m.AgentJoined(agent)
	case domain.StatusClosed:
		return m.Close(), nil
	}
	return false, fmt.Errorf("%w: unknown status %q", ErrMalformedEvent, status)
}

// CanEscalate reports whether the escalate action is available to the user.
func (m *Machine) CanEscalate(hasMessages bool) bool {
	return m.status == domain.StatusBot && hasMessages
}

// InputEnabled reports whether the user may still send messages.
func (m *Machine) InputEnabled() bool {
	return m.status != domain.StatusClosed
}
