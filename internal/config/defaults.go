package config

func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			EventHistory: 500,
		},
		Client: ClientConfig{
			BaseURL:        "http://127.0.0.1:8080",
			WSURL:          "ws://127.0.0.1:8080/ws",
			TimeoutSeconds: 15,
			MaxRetries:     2,
		},
		Chat: ChatConfig{
			DedupWindowSeconds:    5,
			ConfirmTimeoutSeconds: 15,
			IdleTimeoutMinutes:    30,
			ReaperIntervalSeconds: 60,
			MaxMessageLength:      2000,
			HistoryLimit:          200,
		},
		Store: StoreConfig{
			DBPath:        "~/.rentchat/chat.db",
			RetentionDays: 30,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			MessagesPerMinute: 30,
			Burst:             10,
		},
		Bot: BotConfig{
			Enabled:  true,
			Greeting: "Hi! I'm the rental assistant. Ask me about bookings, prices, pickup or insurance.",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
		Notify: NotifyConfig{
			TimeoutSeconds: 5,
		},
	}
}
