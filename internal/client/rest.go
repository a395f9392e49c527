// Package client is the HTTP client for the chat gateway's REST API: the
// widget's fallback path and the admin console.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rentchat/internal/domain"
)

// APIError is a non-2xx response from the gateway.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned HTTP %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	UserID       string
	AdminToken   string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Client calls the gateway REST API on behalf of one user. It implements domain.ChatAPI.
type Client struct {
	baseURL    string
	userID     string
	adminToken string
	http       *http.Client
	retry      retryPolicy
	logger     *slog.Logger
}

var _ domain.ChatAPI = (*Client)(nil)

// New creates a client for the gateway at cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("client: base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("client: base URL: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userID:     cfg.UserID,
		adminToken: cfg.AdminToken,
		http:       cfg.HTTPClient,
		retry:      retryPolicy{maxRetries: cfg.MaxRetries, base: cfg.RetryBackoff},
		logger:     cfg.Logger.With("component", "rest-client"),
	}, nil
}

// StartSession returns the caller's open session, creating one if needed.
// The gateway makes it idempotent, so it is retried.
func (c *Client) StartSession(ctx context.Context) (*domain.Session, error) {
	var s domain.Session
	if err := c.do(ctx, http.MethodPost, "/api/chat/sessions", nil, &s, true); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetActiveSession returns nil, nil when the caller has no open session.
func (c *Client) GetActiveSession(ctx context.Context) (*domain.Session, error) {
	var s domain.Session
	err := c.do(ctx, http.MethodGet, "/api/chat/sessions/active", nil, &s, true)
	if IsStatus(err, http.StatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSession fetches one of the caller's sessions.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var s domain.Session
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID, ""), nil, &s, true); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetMessages returns the message history of a session.
func (c *Client) GetMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	var out struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "/messages"), nil, &out, true); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SendMessage posts a user message. It is never retried; the client ref
// lets the gateway collapse it with the push copy.
func (c *Client) SendMessage(ctx context.Context, sessionID, text, clientRef string) (*domain.Session, error) {
	body := map[string]string{"text": text, "client_ref": clientRef}
	var s domain.Session
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/messages"), body, &s, false); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) Escalate(ctx context.Context, sessionID string) (*domain.Session, error) {
	var s domain.Session
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/escalate"), nil, &s, false); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) CloseSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var s domain.Session
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/close"), nil, &s, false); err != nil {
		return nil, err
	}
	return &s, nil
}

// Health checks the gateway heartbeat endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, false)
}

func sessionPath(sessionID, suffix string) string {
	return "/api/chat/sessions/" + url.PathEscape(sessionID) + suffix
}

// do sends a JSON request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any, idempotent bool) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	buildReq := func() (*http.Request, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userID != "" {
			req.Header.Set("X-User-ID", c.userID)
		}
		if c.adminToken != "" {
			req.Header.Set("X-Admin-Token", c.adminToken)
		}
		return req, nil
	}

	policy := retryPolicy{}
	if idempotent {
		policy = c.retry
	}

	start := time.Now()
	resp, err := doWithRetry(ctx, c.http, policy, buildReq, c.logger)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("gateway call", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		apiErr.Message = payload.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
