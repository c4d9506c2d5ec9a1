package fanout

import (
	"log/slog"
	"sync"

	"github.com/tired-racoon/smoking-detection-service/internal/metrics"
)

// Subscriber is a consumer attached to one session's result stream. Send must
// be safe for concurrent use; a non-nil error marks the subscriber broken and
// it will be pruned.
type Subscriber interface {
	Send(payload []byte) error
	Close() error
}

// Hub fans payloads out to the subscribers of each session. Sends happen
// outside the hub lock so one slow subscriber cannot stall registration.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[Subscriber]struct{}
	total    int
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewHub creates an empty fanout hub.
func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		sessions: make(map[string]map[Subscriber]struct{}),
		logger:   logger,
		metrics:  m,
	}
}

// Subscribe attaches a subscriber to a session.
func (h *Hub) Subscribe(sessionID string, sub Subscriber) {
	h.mu.Lock()
	subs, exists := h.sessions[sessionID]
	if !exists {
		subs = make(map[Subscriber]struct{})
		h.sessions[sessionID] = subs
	}
	subs[sub] = struct{}{}
	h.total++
	total := h.total
	h.mu.Unlock()

	h.metrics.SetSubscribers(total)
	h.logger.Debug("Subscriber attached",
		slog.String("session_id", sessionID),
		slog.Int("session_subscribers", len(subs)),
	)
}

// Unsubscribe detaches a subscriber from a session. Unknown subscribers are
// ignored. The subscriber is not closed; the caller owns the connection.
func (h *Hub) Unsubscribe(sessionID string, sub Subscriber) {
	h.mu.Lock()
	subs, exists := h.sessions[sessionID]
	if exists {
		if _, member := subs[sub]; member {
			delete(subs, sub)
			h.total--
			if len(subs) == 0 {
				delete(h.sessions, sessionID)
			}
		}
	}
	total := h.total
	h.mu.Unlock()

	h.metrics.SetSubscribers(total)
}

// Count returns the number of subscribers attached to a session. It is cheap
// and is used to gate classification sampling.
func (h *Hub) Count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Broadcast delivers a payload to every subscriber of a session and returns
// the number of successful deliveries. Subscribers whose Send fails are pruned
// and closed. With no subscribers the call is a no-op.
func (h *Hub) Broadcast(sessionID string, payload []byte) int {
	h.mu.RLock()
	subs := h.sessions[sessionID]
	snapshot := make([]Subscriber, 0, len(subs))
	for sub := range subs {
		snapshot = append(snapshot, sub)
	}
	h.mu.RUnlock()

	if len(snapshot) == 0 {
		return 0
	}

	delivered := 0
	var broken []Subscriber
	for _, sub := range snapshot {
		if err := sub.Send(payload); err != nil {
			broken = append(broken, sub)
			h.logger.Debug("Subscriber send failed, pruning",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		delivered++
	}

	for _, sub := range broken {
		h.Unsubscribe(sessionID, sub)
		_ = sub.Close()
		h.metrics.RecordSubscriberDropped()
	}

	h.metrics.RecordBroadcast(delivered)
	return delivered
}

// CloseSession detaches and closes all subscribers of a session during
// teardown.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	subs := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.total -= len(subs)
	total := h.total
	h.mu.Unlock()

	for sub := range subs {
		_ = sub.Close()
	}
	h.metrics.SetSubscribers(total)

	if len(subs) > 0 {
		h.logger.Info("Session subscribers closed",
			slog.String("session_id", sessionID),
			slog.Int("count", len(subs)),
		)
	}
}
