package stream

import (
	"sync"
	"sync/atomic"
	"time"
)

// Status is the lifecycle state of a stream session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusStreaming    Status = "streaming"
	StatusClosing      Status = "closing"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

// SourceKind distinguishes producer-pushed sessions from service-pulled ones.
type SourceKind string

const (
	SourcePush SourceKind = "push"
	SourcePull SourceKind = "pull"
)

// Session represents one active video stream with its lifecycle state.
// Status transitions and the close/done channels are owned by the Registry;
// frame sequencing and in-flight tracking are used by the ingestion pipeline.
type Session struct {
	ID        string
	Kind      SourceKind
	Locator   string        // source URL for pull sessions, empty for push
	Interval  time.Duration // detection sampling interval for this session
	CreatedAt time.Time

	mu       sync.RWMutex
	status   Status
	lastErr  error
	closedAt time.Time

	// releaseSink is registered by the ingestion owner once the video sink
	// exists and is called exactly once during teardown.
	releaseSink func() error
	releaseOnce sync.Once

	frameSeq atomic.Uint64

	// closeCh is closed when a close is requested; ingestion loops select on
	// it. done is closed once the session reaches a terminal status.
	closeCh   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	// inflight tracks the ingestion loop plus every dispatched
	// classification unit for the drain on close.
	inflight sync.WaitGroup
}

func newSession(id string, kind SourceKind, locator string, interval time.Duration) *Session {
	return &Session{
		ID:        id,
		Kind:      kind,
		Locator:   locator,
		Interval:  interval,
		CreatedAt: time.Now(),
		status:    StatusInitializing,
		closeCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastError returns the error recorded by a failure, if any.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// NextSequence returns the next frame sequence number, starting at 1 with no
// gaps for the lifetime of the session.
func (s *Session) NextSequence() uint64 {
	return s.frameSeq.Add(1)
}

// FrameCount returns the number of frames accepted so far.
func (s *Session) FrameCount() uint64 {
	return s.frameSeq.Load()
}

// CloseRequested returns a channel closed once a close has been requested.
func (s *Session) CloseRequested() <-chan struct{} {
	return s.closeCh
}

// Closing reports whether a close has been requested.
func (s *Session) Closing() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once the session reaches a terminal status.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// TrackWork registers one unit of in-flight work (the ingestion loop itself or
// a dispatched classification) that DrainAndStop will wait for.
func (s *Session) TrackWork() {
	s.inflight.Add(1)
}

// WorkDone marks one unit of in-flight work as finished.
func (s *Session) WorkDone() {
	s.inflight.Done()
}

// SetReleaseSink registers the teardown hook for the exclusively-owned video
// sink. Only the ingestion owner calls this, once the sink exists.
func (s *Session) SetReleaseSink(release func() error) {
	s.mu.Lock()
	s.releaseSink = release
	s.mu.Unlock()
}

func (s *Session) signalClose() {
	s.closeOnce.Do(func() { close(s.closeCh) })
}

func (s *Session) signalDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// release runs the registered sink teardown hook at most once.
func (s *Session) release() error {
	s.mu.RLock()
	releaseSink := s.releaseSink
	s.mu.RUnlock()

	var err error
	s.releaseOnce.Do(func() {
		if releaseSink != nil {
			err = releaseSink()
		}
	})
	return err
}

// waitInflight blocks until all tracked work finishes or the timeout expires.
// Returns true if the drain completed in time.
func (s *Session) waitInflight(timeout time.Duration) bool {
	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Info returns a snapshot of the session for monitoring and APIs.
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := SessionInfo{
		ID:        s.ID,
		Kind:      s.Kind,
		Locator:   s.Locator,
		Status:    s.status,
		CreatedAt: s.CreatedAt,
		Frames:    s.frameSeq.Load(),
	}
	if !s.closedAt.IsZero() {
		info.Duration = s.closedAt.Sub(s.CreatedAt)
	} else {
		info.Duration = time.Since(s.CreatedAt)
	}
	if s.lastErr != nil {
		info.Error = s.lastErr.Error()
	}
	return info
}

// SessionInfo represents session information for monitoring and APIs.
type SessionInfo struct {
	ID        string        `json:"id"`
	Kind      SourceKind    `json:"kind"`
	Locator   string        `json:"locator,omitempty"`
	Status    Status        `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	Duration  time.Duration `json:"duration"`
	Frames    uint64        `json:"frames"`
	Error     string        `json:"error,omitempty"`
}
