// Package bot answers users automatically until the chat is handed to a human agent.
package bot

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"rentchat/internal/domain"
)

// EscalationHint is appended to replies of rules that suggest a human.
const EscalationHint = "Type /escalate to talk to one of our agents."

// Rule maps a user message to a canned reply.
type Rule struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Pattern  string   `yaml:"pattern,omitempty"`
	Reply    string   `yaml:"reply"`
	// SuggestEscalation appends EscalationHint to the reply.
	SuggestEscalation bool `yaml:"suggest_escalation,omitempty"`
}

// Responder matches user messages against rules. Rules are tried in
// registration order; a rule re-registered under the same name keeps its slot.
type Responder struct {
	rules         []Rule
	compiledRegex map[string]*regexp.Regexp // by rule name
	lowerKeywords map[string][]string       // by rule name
	fallback      string
	mu            sync.RWMutex
	logger        *slog.Logger
}

func NewResponder(logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		compiledRegex: make(map[string]*regexp.Regexp),
		lowerKeywords: make(map[string][]string),
		fallback:      "Sorry, I didn't catch that. You can ask about bookings, prices, pickup, insurance or cancellation. " + EscalationHint,
		logger:        logger.With("component", "bot"),
	}
}

// Register adds a rule and pre-compiles its pattern. A rule with an invalid
// pattern is still matched by its keywords.
func (r *Responder) Register(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kws := make([]string, 0, len(rule.Keywords))
	for _, kw := range rule.Keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			kws = append(kws, kw)
		}
	}
	r.lowerKeywords[rule.Name] = kws

	delete(r.compiledRegex, rule.Name)
	if rule.Pattern != "" {
		if re, err := regexp.Compile(rule.Pattern); err == nil {
			r.compiledRegex[rule.Name] = re
		} else {
			r.logger.Warn("invalid rule pattern", "rule", rule.Name, "pattern", rule.Pattern, "err", err)
		}
	}

	for i, existing := range r.rules {
		if existing.Name == rule.Name {
			r.rules[i] = rule
			r.logger.Debug("rule updated", "rule", rule.Name)
			return
		}
	}
	r.rules = append(r.rules, rule)
	r.logger.Debug("rule registered", "rule", rule.Name)
}

// SetFallback replaces the reply used when no rule matches.
func (r *Responder) SetFallback(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = text
}

// Match returns the first rule matching input, or nil.
func (r *Responder) Match(input string) *Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lowerInput := strings.ToLower(input)
	for i := range r.rules {
		rule := &r.rules[i]
		for _, kw := range r.lowerKeywords[rule.Name] {
			if strings.Contains(lowerInput, kw) {
				c := *rule
				return &c
			}
		}
		if re, ok := r.compiledRegex[rule.Name]; ok && re.MatchString(input) {
			c := *rule
			return &c
		}
	}
	return nil
}

// Reply returns the bot's answer to text. The bot stays silent once a chat
// has left the bot status.
func (r *Responder) Reply(status domain.Status, text string) (string, bool) {
	if status != domain.StatusBot || strings.TrimSpace(text) == "" {
		return "", false
	}
	rule := r.Match(text)
	if rule == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.fallback, r.fallback != ""
	}
	reply := rule.Reply
	if rule.SuggestEscalation {
		reply = strings.TrimSpace(reply + " " + EscalationHint)
	}
	return reply, reply != ""
}

// Rules returns a copy of the registered rules.
func (r *Responder) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// RegisterBuiltins loads the default car-rental rules.
func (r *Responder) RegisterBuiltins() {
	for _, rule := range builtinRules() {
		r.Register(rule)
	}
}

func builtinRules() []Rule {
	return []Rule{
		{
			Name:              "human",
			Keywords:          []string{"human", "agent", "real person", "representative", "operator"},
			Reply:             "I can connect you with a member of our team.",
			SuggestEscalation: true,
		},
		{
			Name:     "greeting",
			Keywords: []string{"hello", "good morning", "good evening"},
			Pattern:  `(?i)^\s*(hi|hey)\b`,
			Reply:    "Hello! How can I help with your rental today?",
		},
		{
			Name:     "booking",
			Keywords: []string{"book", "reserve", "reservation"},
			Reply:    "You can book a car from the search page: pick your dates, location and vehicle class, then confirm with a card.",
		},
		{
			Name:     "pricing",
			Keywords: []string{"price", "cost", "rate", "how much", "deposit"},
			Reply:    "Prices depend on vehicle class and rental length. A refundable deposit is held on your card at pickup.",
		},
		{
			Name:     "pickup",
			Keywords: []string{"pickup", "pick up", "collect", "return", "drop off", "opening hours"},
			Reply:    "Cars are collected and returned at the branch shown on your booking, during its opening hours.",
		},
		{
			Name:     "insurance",
			Keywords: []string{"insurance", "coverage", "damage", "accident"},
			Reply:    "Basic coverage is included. Full coverage with zero excess can be added during booking or at pickup.",
		},
		{
			Name:              "cancellation",
			Keywords:          []string{"cancel", "refund", "change my booking", "modify"},
			Reply:             "Bookings can be cancelled free of charge up to 48 hours before pickup from the My Bookings page.",
			SuggestEscalation: true,
		},
		{
			Name:     "documents",
			Keywords: []string{"license", "licence", "documents", "passport", "id card"},
			Pattern:  `(?i)\bage\b|\byears old\b`,
			Reply:    "Bring a valid driving licence held for at least one year, an ID and the card used for booking. The minimum age is 21.",
		},
	}
}
