package detect

import (
	"context"
	"log/slog"
	"time"

	"github.com/tired-racoon/smoking-detection-service/internal/classify"
	"github.com/tired-racoon/smoking-detection-service/internal/metrics"
	"github.com/tired-racoon/smoking-detection-service/internal/stream"
	"github.com/tired-racoon/smoking-detection-service/internal/video"
)

// SubscriberCounter reports how many subscribers a session currently has.
type SubscriberCounter interface {
	Count(sessionID string) int
}

// Dispatcher samples frames from one session's ingestion flow and launches
// asynchronous classification units. Sampling is gated on at least one
// subscriber being attached and on the session's interval having elapsed, so
// an unwatched stream costs no classifier calls.
type Dispatcher struct {
	session    *stream.Session
	sequencer  *Sequencer
	counter    SubscriberCounter
	classifier classify.Classifier
	interval   time.Duration
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// lastSample is only touched from the single ingestion goroutine.
	lastSample time.Time
}

// NewDispatcher creates a dispatcher for one session.
func NewDispatcher(session *stream.Session, sequencer *Sequencer, counter SubscriberCounter, classifier classify.Classifier, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		session:    session,
		sequencer:  sequencer,
		counter:    counter,
		classifier: classifier,
		interval:   session.Interval,
		timeout:    timeout,
		logger:     logger,
		metrics:    m,
	}
}

// MaybeDispatch inspects one ingested frame and, if the sampling gate passes,
// deep-copies it and launches its classification. Returns whether a unit was
// dispatched. Never blocks the ingestion loop.
func (d *Dispatcher) MaybeDispatch(img video.Image, seq uint64, now time.Time) bool {
	if d.counter.Count(d.session.ID) == 0 {
		return false
	}
	if !d.lastSample.IsZero() && now.Sub(d.lastSample) < d.interval {
		return false
	}
	d.lastSample = now

	// The frame is reused by the ingestion loop after this call returns, so
	// the unit gets its own copy.
	clone := img.Clone()
	timestamp := float64(now.UnixNano()) / float64(time.Second)

	d.sequencer.Reserve(seq)
	d.session.TrackWork()
	d.metrics.RecordUnitDispatched()

	go d.classifyUnit(clone, seq, timestamp)
	return true
}

func (d *Dispatcher) classifyUnit(clone video.Image, seq uint64, timestamp float64) {
	defer d.session.WorkDone()

	png, err := clone.EncodePNG()
	clone.Close()
	if err != nil {
		d.logger.Warn("Failed to encode classification frame",
			slog.String("session_id", d.session.ID),
			slog.Uint64("frame_number", seq),
			slog.String("error", err.Error()),
		)
		d.sequencer.Fail(seq)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	verdict, err := d.classifier.Classify(ctx, png)
	if err != nil {
		// Failed classifications are dropped, not surfaced to subscribers.
		d.logger.Debug("Classification failed, dropping result",
			slog.String("session_id", d.session.ID),
			slog.Uint64("frame_number", seq),
			slog.String("error", err.Error()),
		)
		d.sequencer.Fail(seq)
		return
	}

	d.sequencer.Complete(seq, verdict, timestamp)
}
