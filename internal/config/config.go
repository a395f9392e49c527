package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for rentchat.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Client    ClientConfig    `json:"client"`
	Chat      ChatConfig      `json:"chat"`
	Store     StoreConfig     `json:"store"`
	RateLimit RateLimitConfig `json:"rateLimit"`
	Bot       BotConfig       `json:"bot"`
	Log       LogConfig       `json:"log"`
	Metrics   MetricsConfig   `json:"metrics"`
	Consent   ConsentConfig   `json:"consent"`
	Notify    NotifyConfig    `json:"notify"`
}

// GatewayConfig configures the chat gateway HTTP server.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AdminToken     string   `json:"adminToken"`     // empty disables the admin token check
	AllowedOrigins []string `json:"allowedOrigins"` // WebSocket origins; empty allows any
	EventHistory   int      `json:"eventHistory"`
}

// Addr returns the listen address.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// ClientConfig configures the widget and admin console's connection to a gateway.
type ClientConfig struct {
	BaseURL        string `json:"baseUrl"`
	WSURL          string `json:"wsUrl"`
	UserID         string `json:"userId"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	MaxRetries     int    `json:"maxRetries"`
}

func (c ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ChatConfig tunes the session coordinator and the gateway's session lifecycle.
type ChatConfig struct {
	DedupWindowSeconds    int `json:"dedupWindowSeconds"`
	ConfirmTimeoutSeconds int `json:"confirmTimeoutSeconds"`
	IdleTimeoutMinutes    int `json:"idleTimeoutMinutes"` // 0 disables the idle reaper
	ReaperIntervalSeconds int `json:"reaperIntervalSeconds"`
	MaxMessageLength      int `json:"maxMessageLength"`
	HistoryLimit          int `json:"historyLimit"`
}

func (c ChatConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSeconds) * time.Second
}

func (c ChatConfig) ConfirmTimeout() time.Duration {
	return time.Duration(c.ConfirmTimeoutSeconds) * time.Second
}

func (c ChatConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

func (c ChatConfig) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalSeconds) * time.Second
}

type StoreConfig struct {
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"`
}

// RateLimitConfig limits user sends per user id.
type RateLimitConfig struct {
	Enabled           bool `json:"enabled"`
	MessagesPerMinute int  `json:"messagesPerMinute"`
	Burst             int  `json:"burst"`
}

type BotConfig struct {
	Enabled   bool   `json:"enabled"`
	RulesFile string `json:"rulesFile"` // YAML rules merged over the built-ins
	Greeting  string `json:"greeting"`
}

type LogConfig struct {
	Level  string `json:"level"`  // "debug" | "info" | "warn" | "error"
	Format string `json:"format"` // "text" | "json"
	File   string `json:"file"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// ConsentConfig is the visitor's tracking consent as reported by the site's
// consent banner. Request analytics are only recorded with Analytics set.
type ConsentConfig struct {
	Analytics   bool `json:"analytics"`
	Marketing   bool `json:"marketing"`
	Preferences bool `json:"preferences"`
}

// NotifyConfig configures the agent alert webhook.
type NotifyConfig struct {
	WebhookURL     string `json:"webhookUrl"` // empty disables alerts
	Secret         string `json:"secret"`     // HMAC-SHA256 signing key
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

func (n NotifyConfig) Timeout() time.Duration {
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// DefaultConfigDir returns the default config directory (~/.rentchat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rentchat"
	}
	return filepath.Join(home, ".rentchat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// isYAML reports whether path names a YAML file.
func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	if isYAML(path) {
		if data, err = yamlToJSON(data); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.Bot.RulesFile = ExpandPath(cfg.Bot.RulesFile)
	cfg.Log.File = ExpandPath(cfg.Log.File)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// yamlToJSON re-encodes a YAML document as JSON so both formats share the json tags.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(doc)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as JSON, or as YAML when path ends in .yaml or .yml.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	if isYAML(path) {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		if data, err = yaml.Marshal(doc); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 0 and 65535")
	}
	if cfg.Gateway.EventHistory < 0 {
		errs = append(errs, "gateway.eventHistory must be >= 0")
	}
	if cfg.Client.TimeoutSeconds < 1 {
		errs = append(errs, "client.timeoutSeconds must be >= 1")
	}
	if cfg.Client.MaxRetries < 0 || cfg.Client.MaxRetries > 10 {
		errs = append(errs, "client.maxRetries must be between 0 and 10")
	}

	if cfg.Chat.DedupWindowSeconds < 0 {
		errs = append(errs, "chat.dedupWindowSeconds must be >= 0")
	}
	if cfg.Chat.ConfirmTimeoutSeconds < 1 {
		errs = append(errs, "chat.confirmTimeoutSeconds must be >= 1")
	}
	if cfg.Chat.IdleTimeoutMinutes < 0 {
		errs = append(errs, "chat.idleTimeoutMinutes must be >= 0")
	}
	if cfg.Chat.IdleTimeoutMinutes > 0 && cfg.Chat.ReaperIntervalSeconds < 1 {
		errs = append(errs, "chat.reaperIntervalSeconds must be >= 1 when the idle reaper is enabled")
	}
	if cfg.Chat.MaxMessageLength < 1 {
		errs = append(errs, "chat.maxMessageLength must be >= 1")
	}
	if cfg.Chat.HistoryLimit < 1 {
		errs = append(errs, "chat.historyLimit must be >= 1")
	}

	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required")
	}
	if cfg.Store.RetentionDays < 1 {
		errs = append(errs, "store.retentionDays must be >= 1")
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.MessagesPerMinute < 1 {
			errs = append(errs, "rateLimit.messagesPerMinute must be >= 1")
		}
		if cfg.RateLimit.Burst < 1 {
			errs = append(errs, "rateLimit.burst must be >= 1")
		}
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}
	switch cfg.Log.Format {
	case "", "text", "json":
		// valid
	default:
		errs = append(errs, "log.format must be one of: text, json")
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if cfg.Notify.WebhookURL != "" {
		if !strings.HasPrefix(cfg.Notify.WebhookURL, "http://") && !strings.HasPrefix(cfg.Notify.WebhookURL, "https://") {
			errs = append(errs, "notify.webhookUrl must be an http(s) URL")
		}
		if cfg.Notify.TimeoutSeconds < 1 {
			errs = append(errs, "notify.timeoutSeconds must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
