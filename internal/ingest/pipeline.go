package ingest

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/tired-racoon/smoking-detection-service/internal/detect"
	"github.com/tired-racoon/smoking-detection-service/internal/fanout"
	"github.com/tired-racoon/smoking-detection-service/internal/metrics"
	"github.com/tired-racoon/smoking-detection-service/internal/stream"
	"github.com/tired-racoon/smoking-detection-service/internal/video"
)

// ErrClosed is returned by Submit once the session is closing.
var ErrClosed = errors.New("session is closing")

// intakeBuffer bounds how many undecoded frames a fast producer can queue.
const intakeBuffer = 64

// PipelineDeps bundles the collaborators of a push ingestion pipeline.
type PipelineDeps struct {
	Session    *stream.Session
	Registry   *stream.Registry
	Hub        *fanout.Hub
	Cache      *Cache
	Decoder    video.Decoder
	Sinks      video.SinkFactory
	Dispatcher *detect.Dispatcher
	Sequencer  *detect.Sequencer

	TargetFPS   float64
	JPEGQuality int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Pipeline ingests producer-pushed frames for one session. It owns the video
// sink exclusively: a single run goroutine decodes, records, caches, and
// dispatches every accepted frame in arrival order.
type Pipeline struct {
	session   *stream.Session
	registry  *stream.Registry
	hub       *fanout.Hub
	cache     *Cache
	decoder   video.Decoder
	sequencer *detect.Sequencer
	rec       *recorder

	intake chan []byte

	// producerGone flips once the producer connection ended while subscribers
	// kept the session alive; the last subscriber leaving then tears down.
	producerGone atomic.Bool

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPipeline creates a push ingestion pipeline for one session.
func NewPipeline(deps PipelineDeps) *Pipeline {
	return &Pipeline{
		session:   deps.Session,
		registry:  deps.Registry,
		hub:       deps.Hub,
		cache:     deps.Cache,
		decoder:   deps.Decoder,
		sequencer: deps.Sequencer,
		rec: &recorder{
			session:     deps.Session,
			registry:    deps.Registry,
			cache:       deps.Cache,
			sinks:       deps.Sinks,
			dispatcher:  deps.Dispatcher,
			fps:         deps.TargetFPS,
			jpegQuality: deps.JPEGQuality,
			logger:      deps.Logger,
			m:           deps.Metrics,
		},
		intake:  make(chan []byte, intakeBuffer),
		logger:  deps.Logger,
		metrics: deps.Metrics,
	}
}

// Start marks the session streaming and launches the ingestion loop.
func (p *Pipeline) Start() error {
	if err := p.registry.MarkStreaming(p.session.ID); err != nil {
		return err
	}
	p.session.TrackWork()
	go p.run()
	return nil
}

// Submit hands one encoded frame to the pipeline. Blocks while the intake
// buffer is full; returns ErrClosed once the session is closing.
func (p *Pipeline) Submit(data []byte) error {
	select {
	case <-p.session.CloseRequested():
		return ErrClosed
	default:
	}

	select {
	case p.intake <- data:
		return nil
	case <-p.session.CloseRequested():
		return ErrClosed
	}
}

func (p *Pipeline) run() {
	defer p.session.WorkDone()

	for {
		select {
		case <-p.session.CloseRequested():
			return
		case data := <-p.intake:
			if p.handleFrame(data) != nil {
				return
			}
		}
	}
}

// handleFrame processes one submitted frame. Decode failures skip the frame;
// only a fatal sink failure (already reported to the registry) returns an
// error and stops the loop.
func (p *Pipeline) handleFrame(data []byte) error {
	seq := p.session.NextSequence()
	p.metrics.RecordFrameReceived()

	img, err := p.decoder.Decode(data)
	if err != nil {
		p.metrics.RecordDecodeError()
		p.logger.Warn("Failed to decode frame, skipping",
			slog.String("session_id", p.session.ID),
			slog.Uint64("frame_number", seq),
			slog.String("error", err.Error()),
		)
		return nil
	}

	return p.rec.record(img, seq)
}

// Close requests a close, drains in-flight work, and stops the session's
// fanout. The session stays registered for status queries. A concurrent
// close observes ErrAlreadyClosing.
func (p *Pipeline) Close() error {
	if err := p.registry.RequestClose(p.session.ID); err != nil {
		return err
	}
	p.teardown(false)
	return nil
}

// ProducerDisconnected handles the producer connection ending. With
// subscribers still attached the session stays open for them; with nobody
// watching the pipeline performs the implicit close and full teardown.
func (p *Pipeline) ProducerDisconnected() {
	p.producerGone.Store(true)

	if p.hub.Count(p.session.ID) > 0 {
		p.logger.Info("Producer disconnected, keeping session for subscribers",
			slog.String("session_id", p.session.ID),
			slog.Int("subscribers", p.hub.Count(p.session.ID)),
		)
		return
	}

	p.implicitClose()
}

// SubscriberLeft handles a subscriber detaching. A session that outlived its
// producer is torn down once the last subscriber leaves; while the producer
// is still connected nothing happens.
func (p *Pipeline) SubscriberLeft() {
	if !p.producerGone.Load() || p.hub.Count(p.session.ID) > 0 {
		return
	}

	p.logger.Info("Last subscriber left orphaned session, tearing down",
		slog.String("session_id", p.session.ID),
	)
	p.implicitClose()
}

func (p *Pipeline) implicitClose() {
	if err := p.registry.RequestClose(p.session.ID); err != nil {
		if !errors.Is(err, stream.ErrAlreadyClosing) && !errors.Is(err, stream.ErrNotStreaming) {
			return
		}
	}
	p.teardown(true)
}

func (p *Pipeline) teardown(remove bool) {
	p.registry.DrainAndStop(p.session.ID)
	p.sequencer.Stop()
	p.hub.CloseSession(p.session.ID)
	if remove {
		p.cache.Clear(p.session.ID)
		p.registry.Remove(p.session.ID)
	}
}
