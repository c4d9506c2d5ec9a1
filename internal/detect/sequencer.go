package detect

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tired-racoon/smoking-detection-service/internal/classify"
	"github.com/tired-racoon/smoking-detection-service/internal/metrics"
)

// Broadcaster delivers an ordered payload to a session's subscribers.
type Broadcaster interface {
	Broadcast(sessionID string, payload []byte) int
}

type slotState int

const (
	slotPending slotState = iota
	slotCompleted
	slotFailed
)

// slot is one reserved position in the delivery order.
type slot struct {
	seq       uint64
	state     slotState
	verdict   classify.Verdict
	timestamp float64
	deadline  time.Time
}

// detectionPayload is the wire format of an ordered detection result.
type detectionPayload struct {
	Type        string  `json:"type"`
	Timestamp   float64 `json:"timestamp"`
	Verdict     string  `json:"verdict"`
	FrameNumber uint64  `json:"frame_number"`
}

// Sequencer delivers classification results in frame order regardless of the
// order classifications complete in. The dispatcher reserves a slot per
// sampled frame before launching the classification; results fill their slot
// and the head of the queue is delivered once ready. Failed heads are dropped
// silently and heads stuck past their deadline are skipped so one lost result
// never stalls the stream.
type Sequencer struct {
	sessionID   string
	broadcaster Broadcaster
	slotTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu    sync.Mutex
	queue []*slot
	index map[uint64]*slot

	notify   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	finished chan struct{}
}

// NewSequencer creates a sequencer for one session and starts its delivery
// loop. Stop must be called during session teardown.
func NewSequencer(sessionID string, broadcaster Broadcaster, slotTimeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Sequencer {
	s := &Sequencer{
		sessionID:   sessionID,
		broadcaster: broadcaster,
		slotTimeout: slotTimeout,
		logger:      logger,
		metrics:     m,
		index:       make(map[uint64]*slot),
		notify:      make(chan struct{}, 1),
		stop:        make(chan struct{}),
		finished:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Reserve claims the next delivery position for a sampled frame. Callers must
// reserve in frame order; the dispatcher samples from the single ingestion
// goroutine so this holds by construction.
func (s *Sequencer) Reserve(seq uint64) {
	sl := &slot{
		seq:      seq,
		state:    slotPending,
		deadline: time.Now().Add(s.slotTimeout),
	}

	s.mu.Lock()
	s.queue = append(s.queue, sl)
	s.index[seq] = sl
	s.mu.Unlock()
}

// Complete records a successful classification for a reserved slot. Results
// for unknown sequence numbers (late arrivals after a skip or teardown) are
// dropped.
func (s *Sequencer) Complete(seq uint64, verdict classify.Verdict, timestamp float64) {
	s.mu.Lock()
	sl, exists := s.index[seq]
	if exists && sl.state == slotPending {
		sl.state = slotCompleted
		sl.verdict = verdict
		sl.timestamp = timestamp
	}
	s.mu.Unlock()

	if exists {
		s.poke()
	}
}

// Fail marks a reserved slot as failed; the result is dropped without
// disturbing the order of later results.
func (s *Sequencer) Fail(seq uint64) {
	s.mu.Lock()
	sl, exists := s.index[seq]
	if exists && sl.state == slotPending {
		sl.state = slotFailed
	}
	s.mu.Unlock()

	if exists {
		s.poke()
	}
}

// Pending returns the number of undelivered slots.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stop terminates the delivery loop. Remaining slots are discarded.
func (s *Sequencer) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.finished
}

func (s *Sequencer) poke() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Sequencer) run() {
	defer close(s.finished)

	// Ticker backstop for deadline-based skips when no completions arrive.
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.notify:
			s.advance()
		case <-ticker.C:
			s.advance()
		}
	}
}

// advance delivers, drops, or skips slots from the head of the queue until it
// hits a pending slot that is still within its deadline.
func (s *Sequencer) advance() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		head := s.queue[0]

		switch {
		case head.state == slotCompleted:
			s.queue = s.queue[1:]
			delete(s.index, head.seq)
			s.mu.Unlock()
			s.deliver(head)

		case head.state == slotFailed:
			s.queue = s.queue[1:]
			delete(s.index, head.seq)
			s.mu.Unlock()
			s.metrics.RecordResultDropped()

		case time.Now().After(head.deadline):
			s.queue = s.queue[1:]
			delete(s.index, head.seq)
			s.mu.Unlock()
			s.metrics.RecordSlotSkipped()
			s.logger.Warn("Skipping stalled detection slot",
				slog.String("session_id", s.sessionID),
				slog.Uint64("frame_number", head.seq),
			)

		default:
			s.mu.Unlock()
			return
		}
	}
}

func (s *Sequencer) deliver(sl *slot) {
	payload, err := json.Marshal(detectionPayload{
		Type:        "smoking_detection",
		Timestamp:   sl.timestamp,
		Verdict:     string(sl.verdict),
		FrameNumber: sl.seq,
	})
	if err != nil {
		s.logger.Error("Failed to marshal detection payload",
			slog.String("session_id", s.sessionID),
			slog.String("error", err.Error()),
		)
		return
	}

	delivered := s.broadcaster.Broadcast(s.sessionID, payload)
	s.metrics.RecordResultDelivered()

	s.logger.Debug("Detection result delivered",
		slog.String("session_id", s.sessionID),
		slog.Uint64("frame_number", sl.seq),
		slog.String("verdict", string(sl.verdict)),
		slog.Int("subscribers", delivered),
	)
}
