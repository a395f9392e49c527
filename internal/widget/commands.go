package widget

import "strings"

// Command is a parsed slash command typed into the widget.
type Command struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// ParseCommand checks if a line starts with "/" and parses it into a Command.
// Returns nil if the line is a normal message.
func ParseCommand(text string) *Command {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}
	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if name == "" {
		return nil
	}
	return &Command{Name: name, Args: parts[1:], Raw: text}
}

func helpText() string {
	return `Commands:
  /escalate  Talk to a human agent
  /end       End this chat
  /new       Start a new chat after the current one has ended
  /history   Reprint the conversation
  /status    Show the chat status
  /help      Show this help
  /quit      Leave the widget (the chat stays open)`
}
