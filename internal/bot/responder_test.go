package bot

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"rentchat/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func builtinResponder() *Responder {
	r := NewResponder(testLogger())
	r.RegisterBuiltins()
	return r
}

func TestMatch_Builtins(t *testing.T) {
	r := builtinResponder()

	tests := []struct {
		input string
		want  string
	}{
		{"Hi there", "greeting"},
		{"How much is an SUV for a week?", "pricing"},
		{"I want to RESERVE a car", "booking"},
		{"can I talk to a human please", "human"},
		{"what's the minimum age?", "documents"},
		{"does it include insurance", "insurance"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			rule := r.Match(tt.input)
			require.NotNil(t, rule)
			assert.Equal(t, tt.want, rule.Name)
		})
	}

	assert.Nil(t, r.Match("xyzzy"))
}

func TestReply_OnlyWhileBot(t *testing.T) {
	r := builtinResponder()

	reply, ok := r.Reply(domain.StatusBot, "price?")
	require.True(t, ok)
	assert.Contains(t, reply, "deposit")

	for _, st := range []domain.Status{domain.StatusWaiting, domain.StatusActive, domain.StatusClosed} {
		_, ok := r.Reply(st, "price?")
		assert.False(t, ok, "bot must stay silent in %s", st)
	}

	_, ok = r.Reply(domain.StatusBot, "   ")
	assert.False(t, ok)
}

func TestReply_HumanSuggestsEscalation(t *testing.T) {
	r := builtinResponder()
	reply, ok := r.Reply(domain.StatusBot, "I need an agent")
	require.True(t, ok)
	assert.Contains(t, reply, "/escalate")
}

func TestReply_Fallback(t *testing.T) {
	r := builtinResponder()
	reply, ok := r.Reply(domain.StatusBot, "xyzzy")
	require.True(t, ok)
	assert.Contains(t, reply, "/escalate")

	r.SetFallback("")
	_, ok = r.Reply(domain.StatusBot, "xyzzy")
	assert.False(t, ok)
}

func TestRegister_ReplacesByName(t *testing.T) {
	r := builtinResponder()
	n := len(r.Rules())

	r.Register(Rule{Name: "pricing", Keywords: []string{"tariff"}, Reply: "See our tariffs."})
	assert.Len(t, r.Rules(), n)

	assert.Nil(t, r.Match("how much"), "old keywords dropped")
	rule := r.Match("tariff please")
	require.NotNil(t, rule)
	assert.Equal(t, "See our tariffs.", rule.Reply)
}

func TestRegister_InvalidPatternKeepsKeywords(t *testing.T) {
	r := NewResponder(testLogger())
	r.Register(Rule{Name: "bad", Keywords: []string{"fuel"}, Pattern: "([", Reply: "Full to full."})

	require.NotNil(t, r.Match("fuel policy"))
	assert.Nil(t, r.Match("(["))
}

func TestNew_LoadsRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `
fallback: "Ask me anything about rentals."
rules:
  - name: fuel
    keywords: [fuel, petrol]
    reply: Return the car with a full tank.
  - keywords: [wifi]
    reply: Portable wifi is available at the counter.
  - name: incomplete
    keywords: [nothing]
  - name: pricing
    pattern: "(?i)tariff"
    reply: Custom pricing answer.
    suggest_escalation: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	r, err := New(path, testLogger())
	require.NoError(t, err)

	reply, ok := r.Reply(domain.StatusBot, "what about petrol")
	require.True(t, ok)
	assert.Equal(t, "Return the car with a full tank.", reply)

	rule := r.Match("wifi?")
	require.NotNil(t, rule)
	assert.Equal(t, "rules_1", rule.Name)

	reply, _ = r.Reply(domain.StatusBot, "your tariff")
	assert.Equal(t, "Custom pricing answer. "+EscalationHint, reply)

	reply, _ = r.Reply(domain.StatusBot, "xyzzy")
	assert.Equal(t, "Ask me anything about rentals.", reply)

	for _, rule := range r.Rules() {
		assert.NotEqual(t, "incomplete", rule.Name)
	}
}

func TestNew_MissingAndBrokenFiles(t *testing.T) {
	dir := t.TempDir()

	r, err := New(filepath.Join(dir, "absent.yaml"), testLogger())
	require.NoError(t, err)
	assert.NotEmpty(t, r.Rules())

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("rules: [unclosed"), 0o600))
	_, err = New(broken, testLogger())
	assert.Error(t, err)
}
