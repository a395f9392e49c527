package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"rentchat/internal/bus"
	"rentchat/internal/domain"
	"rentchat/internal/metrics"
)

// SignatureHeader carries the HMAC-SHA256 of the alert body.
const SignatureHeader = "X-Signature-256"

// NotifierConfig configures agent alerts.
type NotifierConfig struct {
	URL       string
	Secret    string // signs bodies when set
	Timeout   time.Duration
	Events    *bus.EventBus
	QueueSize int
	Client    *http.Client
	Logger    *slog.Logger
}

// Alert is the JSON body posted to the agent webhook.
type Alert struct {
	Event     domain.EventKind `json:"event"`
	SessionID string           `json:"session_id"`
	Agent     *domain.Agent    `json:"agent,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Notifier posts escalation lifecycle alerts to an agent-facing webhook
// (team chat, paging). Delivery is best effort: failures are logged and counted.
type Notifier struct {
	url    string
	secret string
	events *bus.EventBus
	client *http.Client
	queue  chan Alert
	logger *slog.Logger
}

func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("notifier: webhook URL is required")
	}
	if cfg.Events == nil {
		return nil, errors.New("notifier: event bus is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Notifier{
		url:    cfg.URL,
		secret: cfg.Secret,
		events: cfg.Events,
		client: cfg.Client,
		queue:  make(chan Alert, cfg.QueueSize),
		logger: cfg.Logger.With("component", "notifier"),
	}, nil
}

// Run delivers alerts until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	id := n.events.On(bus.AllSessions, n.enqueue)
	defer n.events.Off(bus.AllSessions, id)

	n.logger.Info("agent alerts enabled", "url", n.url, "signed", n.secret != "")
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-n.queue:
			if err := n.post(ctx, a); err != nil {
				metrics.NotifyFailures.Inc()
				n.logger.Warn("agent alert not delivered", "event", a.Event, "session_id", a.SessionID, "err", err)
			}
		}
	}
}

// enqueue runs on the emitting goroutine and must not block.
func (n *Notifier) enqueue(env bus.Envelope) {
	a := Alert{SessionID: env.Topic, Timestamp: env.Timestamp.UTC()}
	switch ev := env.Event.(type) {
	case domain.ChatEscalated:
		a.Event = ev.Kind()
	case domain.AdminJoined:
		a.Event, a.Agent = ev.Kind(), ev.Agent
	case domain.SessionClosed:
		a.Event = ev.Kind()
	default:
		return
	}
	select {
	case n.queue <- a:
	default:
		metrics.NotifyFailures.Inc()
		n.logger.Warn("alert queue full, dropping", "event", a.Event, "session_id", a.SessionID)
	}
}

func (n *Notifier) post(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the "sha256=<hex>" HMAC of body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
