package client

import (
	"context"
	"net/http"
	"net/url"

	"rentchat/internal/domain"
)

// ListSessions returns sessions filtered by status; an empty status lists all.
func (c *Client) ListSessions(ctx context.Context, status domain.Status) ([]domain.Session, error) {
	path := "/api/admin/sessions"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out struct {
		Sessions []domain.Session `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Join assigns agent to the session.
func (c *Client) Join(ctx context.Context, sessionID string, agent domain.Agent) (*domain.Session, error) {
	body := map[string]string{"agent_id": agent.ID, "name": agent.Name}
	var s domain.Session
	if err := c.do(ctx, http.MethodPost, adminPath(sessionID, "/join"), body, &s, false); err != nil {
		return nil, err
	}
	return &s, nil
}

// Reply posts an agent message to the session.
func (c *Client) Reply(ctx context.Context, sessionID, text string) (*domain.Session, error) {
	body := map[string]string{"text": text}
	var s domain.Session
	if err := c.do(ctx, http.MethodPost, adminPath(sessionID, "/messages"), body, &s, false); err != nil {
		return nil, err
	}
	return &s, nil
}

// AdminClose closes any session.
func (c *Client) AdminClose(ctx context.Context, sessionID string) (*domain.Session, error) {
	var s domain.Session
	if err := c.do(ctx, http.MethodPost, adminPath(sessionID, "/close"), nil, &s, false); err != nil {
		return nil, err
	}
	return &s, nil
}

func adminPath(sessionID, suffix string) string {
	return "/api/admin/sessions/" + url.PathEscape(sessionID) + suffix
}

// AdminTyping shows or hides the agent typing indicator in the user's widget.
func (c *Client) AdminTyping(ctx context.Context, sessionID string, typing bool) error {
	body := map[string]bool{"typing": typing}
	return c.do(ctx, http.MethodPost, adminPath(sessionID, "/typing"), body, nil, false)
}
