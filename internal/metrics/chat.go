package metrics

import "strconv"

// Metrics used across the gateway.
var (
	SessionsStarted = Collector.Counter("rentchat_sessions_started_total", "Chat sessions started", "")
	SessionsClosed  = Collector.Counter("rentchat_sessions_closed_total", "Chat sessions closed", "")
	IdleClosed      = Collector.Counter("rentchat_sessions_idle_closed_total", "Chat sessions closed by the idle reaper", "")
	Escalations     = Collector.Counter("rentchat_escalations_total", "Handoff requests to a human agent", "")
	AgentJoins      = Collector.Counter("rentchat_agent_joins_total", "Agents joining escalated sessions", "")
	DuplicateSends  = Collector.Counter("rentchat_duplicate_sends_total", "Sends collapsed by client ref", "")
	RateLimited     = Collector.Counter("rentchat_rate_limited_total", "Sends rejected by the per-user rate limit", "")
	BotReplies      = Collector.Counter("rentchat_bot_replies_total", "Automated bot replies", "")
	NotifyFailures  = Collector.Counter("rentchat_agent_alert_failures_total", "Agent alerts dropped or rejected", "")

	OpenSessions    = Collector.Gauge("rentchat_open_sessions", "Sessions not yet closed", "")
	PushConnections = Collector.Gauge("rentchat_push_connections", "Current WebSocket connections", "")
)

// MessageStored counts a stored message by sender.
func MessageStored(sender string) {
	Collector.Counter("rentchat_messages_total", "Messages stored", Label("sender", sender)).Inc()
}

// ObserveRequest records one HTTP request. Only called when analytics consent is given.
func ObserveRequest(route string, status int, seconds float64) {
	labels := Label("route", route) + "," + Label("code", strconv.Itoa(status))
	Collector.Counter("rentchat_http_requests_total", "HTTP requests served", labels).Inc()
	Collector.Histogram("rentchat_http_request_seconds", "HTTP request latency in seconds", Label("route", route),
		[]float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}).Observe(seconds)
}
