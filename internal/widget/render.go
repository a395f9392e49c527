package widget

import (
	"fmt"
	"io"
	"strings"

	"rentchat/internal/chat"
	"rentchat/internal/domain"

	"github.com/fatih/color"
)

// Renderer prints chat entries and status changes to a terminal.
type Renderer struct {
	out io.Writer

	user   *color.Color
	bot    *color.Color
	admin  *color.Color
	system *color.Color
	failed *color.Color
}

// NewRenderer creates a renderer. noColor disables ANSI escapes.
func NewRenderer(out io.Writer, noColor bool) *Renderer {
	r := &Renderer{
		out:    out,
		user:   color.New(color.FgWhite, color.Bold),
		bot:    color.New(color.FgCyan),
		admin:  color.New(color.FgGreen, color.Bold),
		system: color.New(color.FgYellow),
		failed: color.New(color.FgRed),
	}
	if noColor {
		for _, c := range []*color.Color{r.user, r.bot, r.admin, r.system, r.failed} {
			c.DisableColor()
		}
	}
	return r
}

// Entry prints one message line.
func (r *Renderer) Entry(e chat.Entry, agent *domain.Agent) {
	ts := e.CreatedAt.Local().Format("15:04")
	var who string
	var c *color.Color
	switch e.Sender {
	case domain.SenderUser:
		who, c = "You", r.user
	case domain.SenderAdmin:
		who, c = "Agent", r.admin
		if agent != nil && agent.Name != "" {
			who = agent.Name
		}
	default:
		who, c = "Assistant", r.bot
	}
	line := fmt.Sprintf("[%s] %s: %s", ts, who, e.Text)
	switch e.State {
	case chat.Pending:
		line += " …"
	case chat.Failed:
		fmt.Fprintln(r.out, r.failed.Sprint(line+"  (not delivered)"))
		return
	}
	fmt.Fprintln(r.out, c.Sprint(line))
}

// Failed reports that a previously printed message could not be delivered.
func (r *Renderer) Failed(e chat.Entry) {
	r.System(fmt.Sprintf("Message not delivered: %q", e.Text))
}

// System prints a status line.
func (r *Renderer) System(text string) {
	fmt.Fprintln(r.out, r.system.Sprint("* "+text))
}

// Typing prints the typing indicator.
func (r *Renderer) Typing(sender domain.Sender, agent *domain.Agent) {
	who := "The assistant"
	if sender == domain.SenderAdmin {
		who = "The agent"
		if agent != nil && agent.Name != "" {
			who = agent.Name
		}
	}
	r.System(who + " is typing...")
}

// StatusChange describes a lifecycle transition, or returns "" when there is nothing to say.
func StatusChange(prev, next chat.Snapshot) string {
	if prev.Status == next.Status && sameAgent(prev.AssignedAgent, next.AssignedAgent) {
		return ""
	}
	switch next.Status {
	case domain.StatusWaiting:
		return "Waiting for an agent to join..."
	case domain.StatusActive:
		name := "An agent"
		if next.AssignedAgent != nil && next.AssignedAgent.Name != "" {
			name = next.AssignedAgent.Name
		}
		return name + " joined the chat."
	case domain.StatusClosed:
		return "This chat has ended. Type /new to start another one."
	}
	return ""
}

// Status summarizes a snapshot for /status.
func Status(s chat.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "session %s, status %s", s.SessionID, s.Status)
	if s.AssignedAgent != nil {
		fmt.Fprintf(&b, ", agent %s", s.AssignedAgent.Name)
	}
	fmt.Fprintf(&b, ", %d messages", len(s.Messages))
	if s.CanEscalate {
		b.WriteString(", /escalate available")
	}
	return b.String()
}

func sameAgent(a, b *domain.Agent) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
