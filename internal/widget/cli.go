// Package widget is an interactive terminal front-end for a chat session.
package widget

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"rentchat/internal/chat"
	"rentchat/internal/domain"
)

// Session is the part of chat.Coordinator the widget drives.
type Session interface {
	Open(ctx context.Context) (chat.Snapshot, error)
	Send(ctx context.Context, text string) (chat.Handle, error)
	Escalate(ctx context.Context) error
	EndSession(ctx context.Context) error
	Snapshot() chat.Snapshot
	Subscribe(fn func(chat.Snapshot)) func()
}

var _ Session = (*chat.Coordinator)(nil)

type Config struct {
	Chat    Session
	In      io.Reader
	Out     io.Writer
	NoColor bool
	Logger  *slog.Logger
}

// Widget is a line-based chat REPL. Incoming changes are printed as the
// coordinator publishes them.
type Widget struct {
	chat   Session
	in     io.Reader
	render *Renderer
	logger *slog.Logger

	mu   sync.Mutex
	seen map[entryKey]chat.DeliveryState
	last chat.Snapshot
}

// entryKey identifies a printed entry across confirmation. Entries with
// neither a handle nor a server id fall back to their content.
type entryKey struct {
	handle   chat.Handle
	serverID string
	sender   domain.Sender
	text     string
	at       int64
}

func keyOf(e chat.Entry) entryKey {
	switch {
	case !e.Handle.IsZero():
		return entryKey{handle: e.Handle}
	case e.ServerID != "":
		return entryKey{serverID: e.ServerID}
	}
	return entryKey{sender: e.Sender, text: e.Text, at: e.CreatedAt.UnixNano()}
}

func New(cfg Config) *Widget {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Widget{
		chat:   cfg.Chat,
		in:     cfg.In,
		render: NewRenderer(cfg.Out, cfg.NoColor),
		logger: cfg.Logger.With("component", "widget"),
		seen:   make(map[entryKey]chat.DeliveryState),
	}
}

// Run opens the chat and reads lines until /quit, EOF or ctx is cancelled.
func (w *Widget) Run(ctx context.Context) error {
	snap, err := w.chat.Open(ctx)
	if err != nil {
		return fmt.Errorf("open chat: %w", err)
	}
	w.onChange(snap)

	unsubscribe := w.chat.Subscribe(w.onChange)
	defer unsubscribe()

	w.render.System("Type a message and press Enter. /help lists commands.")

	done := make(chan struct{})
	defer close(done)
	lines, readErr := readLines(w.in, done)
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return <-readErr // nil on EOF
			}
			line = strings.TrimSpace(l)
		}

		if line == "" {
			continue
		}
		if cmd := ParseCommand(line); cmd != nil {
			if quit := w.command(ctx, cmd); quit {
				w.logger.Info("user requested quit")
				return nil
			}
			continue
		}
		w.send(ctx, line)
	}
}

// readLines scans r on its own goroutine so a blocked read does not hold up
// cancellation.
func readLines(r io.Reader, done <-chan struct{}) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		errc <- scanner.Err()
	}()
	return lines, errc
}

func (w *Widget) send(ctx context.Context, text string) {
	_, err := w.chat.Send(ctx, text)
	switch {
	case err == nil:
	case errors.Is(err, chat.ErrInvalidInput):
	case errors.Is(err, chat.ErrIllegalTransition):
		w.render.System("This chat has ended. Type /new to start another one.")
	case errors.Is(err, chat.ErrRequestFailed), errors.Is(err, chat.ErrTransportUnavailable):
		// The entry is already shown as not delivered.
		w.logger.Debug("send failed", "err", err)
	default:
		w.render.System("Could not send: " + err.Error())
	}
}

// command runs a slash command and reports whether the widget should exit.
func (w *Widget) command(ctx context.Context, cmd *Command) bool {
	switch cmd.Name {
	case "quit", "exit", "q":
		return true

	case "help":
		w.render.System(helpText())

	case "escalate", "human", "agent":
		err := w.chat.Escalate(ctx)
		switch {
		case err == nil:
		case errors.Is(err, chat.ErrIllegalTransition):
			snap := w.chat.Snapshot()
			if len(snap.Messages) == 0 {
				w.render.System("Send a message first, then ask for an agent.")
			} else {
				w.render.System(fmt.Sprintf("Cannot ask for an agent while the chat is %s.", snap.Status))
			}
		default:
			w.render.System("Could not reach support: " + err.Error())
		}

	case "end":
		if err := w.chat.EndSession(ctx); err != nil {
			w.render.System("Could not end the chat: " + err.Error())
		}

	case "new":
		if st := w.chat.Snapshot().Status; st != domain.StatusClosed {
			w.render.System("This chat is still open. Use /end first.")
			return false
		}
		if _, err := w.chat.Open(ctx); err != nil {
			w.render.System("Could not start a new chat: " + err.Error())
		}

	case "history":
		snap := w.chat.Snapshot()
		for _, e := range snap.Messages {
			w.render.Entry(e, snap.AssignedAgent)
		}

	case "status":
		w.render.System(Status(w.chat.Snapshot()))

	default:
		w.render.System(fmt.Sprintf("Unknown command /%s. Type /help.", cmd.Name))
	}
	return false
}

// onChange prints what changed since the last snapshot. It runs inside the
// coordinator's notification and must not call back into it.
func (w *Widget) onChange(snap chat.Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if snap.SessionID != w.last.SessionID {
		w.seen = make(map[entryKey]chat.DeliveryState)
		w.render.System("Chat " + snap.SessionID)
	}

	for _, e := range snap.Messages {
		k := keyOf(e)
		prev, printed := w.seen[k]
		switch {
		case !printed:
			w.render.Entry(e, snap.AssignedAgent)
		case prev != chat.Failed && e.State == chat.Failed:
			w.render.Failed(e)
		}
		w.seen[k] = e.State
	}

	if msg := StatusChange(w.last, snap); msg != "" {
		w.render.System(msg)
	}
	if snap.TypingSender != "" && snap.TypingSender != w.last.TypingSender {
		w.render.Typing(snap.TypingSender, snap.AssignedAgent)
	}
	w.last = snap
}
