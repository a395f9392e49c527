package bus

import (
	"log/slog"
	"sync"
	"time"

	"rentchat/internal/domain"
)

const publishTimeout = 10 * time.Second

// Queue is a Go-channel based event queue between a transport's read loop
// and the single goroutine that consumes its events.
type Queue struct {
	events chan domain.Event
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger
}

// NewQueue creates a queue with the given buffer size.
func NewQueue(bufferSize int, logger *slog.Logger) *Queue {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		events: make(chan domain.Event, bufferSize),
		logger: logger,
	}
}

// Publish enqueues ev. Blocks up to 10 seconds if the queue is full instead
// of dropping, and reports whether ev was delivered.
func (q *Queue) Publish(ev domain.Event) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.logger.Warn("attempted to publish to closed queue", "kind", ev.Kind())
		return false
	}

	select {
	case q.events <- ev:
		return true
	default:
		q.logger.Warn("event queue full, waiting...", "kind", ev.Kind(), "session_id", ev.Session())
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case q.events <- ev:
			q.logger.Info("event delivered after wait", "kind", ev.Kind())
			return true
		case <-timer.C:
			q.logger.Error("event dropped: queue full for 10s",
				"kind", ev.Kind(),
				"session_id", ev.Session(),
			)
			return false
		}
	}
}

// Events returns the receive side. It is closed by Close.
func (q *Queue) Events() <-chan domain.Event {
	return q.events
}

func (q *Queue) Len() int {
	return len(q.events)
}

func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.events)
	}
}
