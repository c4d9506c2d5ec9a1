package ingest

import (
	"fmt"
	"log/slog"

	"github.com/tired-racoon/smoking-detection-service/internal/detect"
	"github.com/tired-racoon/smoking-detection-service/internal/fanout"
	"github.com/tired-racoon/smoking-detection-service/internal/metrics"
	"github.com/tired-racoon/smoking-detection-service/internal/stream"
	"github.com/tired-racoon/smoking-detection-service/internal/video"
)

// LocatorResolver turns a user-supplied locator into an openable stream URL.
// Direct stream URLs pass through unchanged; web pages are scraped for an
// embedded playlist.
type LocatorResolver interface {
	Resolve(locator string) (string, error)
}

// PullerDeps bundles the collaborators of a pull ingestion loop.
type PullerDeps struct {
	Session    *stream.Session
	Registry   *stream.Registry
	Hub        *fanout.Hub
	Cache      *Cache
	Opener     video.SourceOpener
	Resolver   LocatorResolver
	Sinks      video.SinkFactory
	Dispatcher *detect.Dispatcher
	Sequencer  *detect.Sequencer

	TargetFPS   float64
	JPEGQuality int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Puller ingests frames by reading a remote stream or file at source pace.
// Open failures fail the session; a read failure mid-stream means the source
// ended and closes the session gracefully.
type Puller struct {
	session   *stream.Session
	registry  *stream.Registry
	hub       *fanout.Hub
	cache     *Cache
	opener    video.SourceOpener
	resolver  LocatorResolver
	sequencer *detect.Sequencer
	deps      PullerDeps

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPuller creates a pull ingestion loop for one session.
func NewPuller(deps PullerDeps) *Puller {
	return &Puller{
		session:   deps.Session,
		registry:  deps.Registry,
		hub:       deps.Hub,
		cache:     deps.Cache,
		opener:    deps.Opener,
		resolver:  deps.Resolver,
		sequencer: deps.Sequencer,
		deps:      deps,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
	}
}

// Start launches the pull loop. The session reaches Streaming only once the
// source opens successfully.
func (p *Puller) Start() {
	p.session.TrackWork()
	go p.run()
}

// Close requests a close and drains the pull loop, mirroring the push
// pipeline's close semantics.
func (p *Puller) Close() error {
	if err := p.registry.RequestClose(p.session.ID); err != nil {
		return err
	}
	p.registry.DrainAndStop(p.session.ID)
	p.sequencer.Stop()
	p.hub.CloseSession(p.session.ID)
	return nil
}

func (p *Puller) run() {
	defer p.session.WorkDone()

	locator := p.session.Locator
	if p.resolver != nil {
		resolved, err := p.resolver.Resolve(locator)
		if err != nil {
			p.fail(fmt.Errorf("failed to resolve stream locator: %w", err))
			return
		}
		locator = resolved
	}

	source, err := p.opener.Open(locator)
	if err != nil {
		p.fail(fmt.Errorf("failed to open stream source: %w", err))
		return
	}
	defer source.Release()

	if err := p.registry.MarkStreaming(p.session.ID); err != nil {
		// Close was requested before the source opened.
		return
	}

	fps := source.FPS()
	if fps <= 0 {
		fps = p.deps.TargetFPS
	}

	rec := &recorder{
		session:     p.session,
		registry:    p.registry,
		cache:       p.cache,
		sinks:       p.deps.Sinks,
		dispatcher:  p.deps.Dispatcher,
		fps:         fps,
		jpegQuality: p.deps.JPEGQuality,
		logger:      p.logger,
		m:           p.metrics,
	}

	p.logger.Info("Pull ingestion started",
		slog.String("session_id", p.session.ID),
		slog.String("locator", locator),
		slog.Float64("fps", fps),
	)

	for {
		select {
		case <-p.session.CloseRequested():
			return
		default:
		}

		img, ok := source.Read()
		if !ok {
			// Source exhausted or broken mid-stream: a graceful end.
			p.finish()
			return
		}

		seq := p.session.NextSequence()
		p.metrics.RecordFrameReceived()

		if rec.record(img, seq) != nil {
			return
		}
	}
}

// finish closes the session gracefully after the source ends on its own.
func (p *Puller) finish() {
	if err := p.registry.RequestClose(p.session.ID); err != nil {
		return
	}
	p.logger.Info("Pull source ended, closing session",
		slog.String("session_id", p.session.ID),
		slog.Uint64("frames", p.session.FrameCount()),
	)

	// The drain waits for this goroutine too, so teardown runs detached.
	go func() {
		p.registry.DrainAndStop(p.session.ID)
		p.sequencer.Stop()
		p.hub.CloseSession(p.session.ID)
	}()
}

func (p *Puller) fail(cause error) {
	p.registry.Fail(p.session.ID, cause)
	p.sequencer.Stop()
	p.hub.CloseSession(p.session.ID)
}
