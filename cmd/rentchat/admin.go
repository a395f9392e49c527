package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"rentchat/internal/client"
	"rentchat/internal/domain"
)

func adminCmd() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Agent console: list, join, answer and close chats",
	}
	cmd.PersistentFlags().StringVar(&token, "token", "", "admin token (default: gateway.adminToken)")

	newClient := func() (*client.Client, error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if token == "" {
			token = cfg.Gateway.AdminToken
		}
		return client.New(client.Config{
			BaseURL:    cfg.Client.BaseURL,
			AdminToken: token,
			Timeout:    cfg.Client.Timeout(),
			MaxRetries: cfg.Client.MaxRetries,
			Logger:     logger,
		})
	}

	var status string
	sessions := &cobra.Command{
		Use:   "sessions",
		Short: "List chat sessions (e.g. --status waiting)",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := domain.Status(status)
			if st != "" && !st.Valid() {
				return fmt.Errorf("unknown status %q (bot, waiting, active, closed)", status)
			}
			api, err := newClient()
			if err != nil {
				return err
			}
			list, err := api.ListSessions(cmd.Context(), st)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(stdout, "No sessions.")
				return nil
			}
			table := newTable(stdout, []string{"ID", "USER", "STATUS", "AGENT", "UPDATED"})
			for _, s := range list {
				agent := "-"
				if s.AssignedAgent != nil {
					agent = s.AssignedAgent.Name
				}
				_ = table.Append([]string{
					s.ID,
					s.UserID,
					statusColor(s.Status),
					agent,
					humanize.Time(s.UpdatedAt),
				})
			}
			return table.Render()
		},
	}
	sessions.Flags().StringVarP(&status, "status", "s", "", "filter by status")

	var agentID, agentName string
	join := &cobra.Command{
		Use:   "join [session]",
		Short: "Take over an escalated chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent-id is required")
			}
			if agentName == "" {
				agentName = agentID
			}
			api, err := newClient()
			if err != nil {
				return err
			}
			sess, err := api.Join(cmd.Context(), args[0], domain.Agent{ID: agentID, Name: agentName})
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Joined %s as %s (%s)\n", sess.ID, agentName, statusColor(sess.Status))
			printTranscript(sess)
			return nil
		},
	}
	join.Flags().StringVar(&agentID, "agent-id", "", "agent id")
	join.Flags().StringVar(&agentName, "name", "", "display name shown to the customer")

	reply := &cobra.Command{
		Use:   "reply [session] [text...]",
		Short: "Send a message as the assigned agent",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := newClient()
			if err != nil {
				return err
			}
			text := strings.Join(args[1:], " ")
			sess, err := api.Reply(cmd.Context(), args[0], text)
			if client.IsStatus(err, http.StatusConflict) {
				return fmt.Errorf("cannot reply: %w (join the session first)", err)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Sent to %s (%d messages)\n", sess.ID, len(sess.Messages))
			return nil
		},
	}

	var typingOff bool
	typing := &cobra.Command{
		Use:   "typing [session]",
		Short: "Show (or with --off hide) the typing indicator in the customer's widget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := newClient()
			if err != nil {
				return err
			}
			if err := api.AdminTyping(cmd.Context(), args[0], !typingOff); err != nil {
				return err
			}
			state := "on"
			if typingOff {
				state = "off"
			}
			printPass("typing", state+" for "+args[0])
			return nil
		},
	}
	typing.Flags().BoolVar(&typingOff, "off", false, "hide the indicator")

	closeCmd := &cobra.Command{
		Use:   "close [session]",
		Short: "End a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := newClient()
			if err != nil {
				return err
			}
			sess, err := api.AdminClose(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Session %s is %s\n", sess.ID, statusColor(sess.Status))
			return nil
		},
	}

	cmd.AddCommand(sessions, join, reply, typing, closeCmd)
	return cmd
}

// printTranscript prints the messages of a session, oldest first.
func printTranscript(sess *domain.Session) {
	for _, m := range sess.Messages {
		who := string(m.Sender)
		if m.Sender == domain.SenderAdmin && sess.AssignedAgent != nil {
			who = sess.AssignedAgent.Name
		}
		fmt.Fprintf(stdout, "  [%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), cyan(who), m.Text)
	}
}
