package stream

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tired-racoon/smoking-detection-service/internal/metrics"
)

var (
	// ErrNotFound is returned for operations on unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyClosing is returned when a close races with another close.
	ErrAlreadyClosing = errors.New("session already closing")
	// ErrNotStreaming is returned when a close targets a session that never
	// started streaming or has already stopped.
	ErrNotStreaming = errors.New("session not streaming")
	// ErrIDCollision is returned if a freshly generated id is already taken.
	ErrIDCollision = errors.New("session id collision")
)

// Registry manages all active stream sessions and owns their status
// transitions.
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	metrics  *metrics.Metrics
	grace    time.Duration
}

// NewRegistry creates a session registry. grace bounds how long DrainAndStop
// waits for in-flight work.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics, grace time.Duration) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
		metrics:  m,
		grace:    grace,
	}
}

// Open creates a new session in Initializing state with a fresh unique id.
func (r *Registry) Open(kind SourceKind, locator string, interval time.Duration) (*Session, error) {
	id := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return nil, ErrIDCollision
	}

	session := newSession(id, kind, locator, interval)
	r.sessions[id] = session

	r.metrics.RecordSessionCreated()
	r.metrics.SetActiveSessions(len(r.sessions))

	r.logger.Info("Session opened",
		slog.String("session_id", id),
		slog.String("kind", string(kind)),
		slog.String("locator", locator),
	)

	return session, nil
}

// Get retrieves an existing session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[id]
	if !exists {
		return nil, ErrNotFound
	}
	return session, nil
}

// MarkStreaming transitions a session from Initializing to Streaming. Calling
// it on a session that is already streaming is a no-op.
func (r *Registry) MarkStreaming(id string) error {
	session, err := r.Get(id)
	if err != nil {
		return err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	switch session.status {
	case StatusInitializing:
		session.status = StatusStreaming
		r.logger.Info("Session streaming", slog.String("session_id", id))
	case StatusStreaming:
		// idempotent
	default:
		return ErrNotStreaming
	}
	return nil
}

// RequestClose asks a streaming session to stop accepting frames. The first
// caller wins; concurrent callers observe ErrAlreadyClosing. The session moves
// to Closing and its close channel is signalled so ingestion loops wind down.
func (r *Registry) RequestClose(id string) error {
	session, err := r.Get(id)
	if err != nil {
		return err
	}

	session.mu.Lock()
	switch session.status {
	case StatusClosing:
		session.mu.Unlock()
		return ErrAlreadyClosing
	case StatusStreaming, StatusInitializing:
		session.status = StatusClosing
	default:
		session.mu.Unlock()
		return ErrNotStreaming
	}
	session.mu.Unlock()

	session.signalClose()
	r.logger.Info("Session close requested", slog.String("session_id", id))
	return nil
}

// DrainAndStop waits up to the grace period for the session's in-flight work,
// releases the video sink, and moves the session to Stopped. Safe to call
// after RequestClose from any goroutine; later calls are no-ops.
func (r *Registry) DrainAndStop(id string) error {
	session, err := r.Get(id)
	if err != nil {
		return err
	}

	session.signalClose()

	if !session.waitInflight(r.grace) {
		r.logger.Warn("Session drain timed out, releasing anyway",
			slog.String("session_id", id),
			slog.Duration("grace", r.grace),
		)
	}

	if err := session.release(); err != nil {
		r.logger.Warn("Failed to release session sink",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	}

	session.mu.Lock()
	alreadyTerminal := session.status == StatusStopped || session.status == StatusError
	if !alreadyTerminal {
		session.status = StatusStopped
		session.closedAt = time.Now()
	}
	closedAt := session.closedAt
	session.mu.Unlock()

	session.signalDone()

	if !alreadyTerminal {
		r.metrics.RecordSessionDestroyed(closedAt.Sub(session.CreatedAt).Seconds())
		r.logger.Info("Session stopped",
			slog.String("session_id", id),
			slog.Duration("duration", closedAt.Sub(session.CreatedAt)),
			slog.Uint64("frames", session.FrameCount()),
		)
	}
	return nil
}

// Fail moves a session to Error, recording the cause, signalling close and
// done, and releasing the sink if one exists.
func (r *Registry) Fail(id string, cause error) error {
	session, err := r.Get(id)
	if err != nil {
		return err
	}

	session.signalClose()

	session.mu.Lock()
	alreadyTerminal := session.status == StatusStopped || session.status == StatusError
	if !alreadyTerminal {
		session.status = StatusError
		session.lastErr = cause
		session.closedAt = time.Now()
	}
	session.mu.Unlock()

	if err := session.release(); err != nil {
		r.logger.Warn("Failed to release session sink",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	}

	session.signalDone()

	if !alreadyTerminal {
		r.metrics.RecordSessionDestroyed(time.Since(session.CreatedAt).Seconds())
		r.logger.Error("Session failed",
			slog.String("session_id", id),
			slog.String("error", cause.Error()),
		)
	}
	return nil
}

// Remove deletes a session from the registry. The session should be in a
// terminal status; callers tear down fanout and caches first.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; !exists {
		return false
	}
	delete(r.sessions, id)
	r.metrics.SetActiveSessions(len(r.sessions))

	r.logger.Info("Session removed", slog.String("session_id", id))
	return true
}

// List returns a snapshot of all known sessions.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, session := range r.sessions {
		infos = append(infos, session.Info())
	}
	return infos
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
