package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"rentchat/internal/domain"
)

// AllSessions subscribes a handler to events of every session.
const AllSessions = "*"

// Envelope is one published chat event with its topic and publish time.
type Envelope struct {
	Topic     string // session id
	Event     domain.Event
	Timestamp time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Envelope)

// EventBus fans chat events out to the push connections subscribed to a
// session. It supports wildcard subscriptions, history replay, and async dispatch.
type EventBus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Envelope
	maxHistory int
	nextID     int
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

// NewEventBus creates a new EventBus keeping up to maxHistory events for replay.
func NewEventBus(maxHistory int, logger *slog.Logger) *EventBus {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: maxHistory,
	}
}

// On registers a handler for the given session id.
// Use AllSessions to listen to all events. Returns the handler ID for unsubscription.
func (eb *EventBus) On(topic string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := topic + "-" + strconv.Itoa(eb.nextID)
	eb.handlers[topic] = append(eb.handlers[topic], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(topic, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[topic]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[topic] = append(handlers[:i:i], handlers[i+1:]...)
			if len(eb.handlers[topic]) == 0 {
				delete(eb.handlers, topic)
			}
			return
		}
	}
}

// Subscribers returns the number of handlers registered for topic.
func (eb *EventBus) Subscribers(topic string) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[topic])
}

// Emit publishes ev to the handlers of its session and to wildcard handlers.
// Handlers are called synchronously in order; a panicking handler is logged
// and does not stop the others.
func (eb *EventBus) Emit(ev domain.Event) {
	env := Envelope{Topic: ev.Session(), Event: ev, Timestamp: time.Now()}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, env)

	handlers := make([]namedHandler, 0, len(eb.handlers[env.Topic])+len(eb.handlers[AllSessions]))
	handlers = append(handlers, eb.handlers[env.Topic]...)
	if env.Topic != AllSessions {
		handlers = append(handlers, eb.handlers[AllSessions]...)
	}
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "kind", ev.Kind(), "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(env)
		}(h)
	}
}

// EmitAsync publishes ev on a new goroutine.
func (eb *EventBus) EmitAsync(ev domain.Event) {
	go eb.Emit(ev)
}

// Replay returns historical events of topic since the given time.
// Use AllSessions for every session.
func (eb *EventBus) Replay(topic string, since time.Time) []Envelope {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Envelope
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if topic == AllSessions || e.Topic == topic {
			result = append(result, e)
		}
	}
	return result
}

// HistoryLen returns the current number of events in the history buffer.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}
