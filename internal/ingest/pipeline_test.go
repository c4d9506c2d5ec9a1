package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tired-racoon/smoking-detection-service/internal/classify"
	"github.com/tired-racoon/smoking-detection-service/internal/detect"
	"github.com/tired-racoon/smoking-detection-service/internal/fanout"
	"github.com/tired-racoon/smoking-detection-service/internal/stream"
	"github.com/tired-racoon/smoking-detection-service/internal/video"
)

type memImage struct {
	w, h int
	data []byte
}

func (m *memImage) Width() int        { return m.w }
func (m *memImage) Height() int       { return m.h }
func (m *memImage) Clone() video.Image {
	return &memImage{w: m.w, h: m.h, data: append([]byte(nil), m.data...)}
}
func (m *memImage) EncodeJPEG(quality int) ([]byte, error) { return m.data, nil }
func (m *memImage) EncodePNG() ([]byte, error)             { return m.data, nil }
func (m *memImage) Close()                                 {}

type memDecoder struct{}

func (d *memDecoder) Decode(data []byte) (video.Image, error) {
	if string(data) == "bad" {
		return nil, errors.New("corrupt frame")
	}
	return &memImage{w: 640, h: 480, data: data}, nil
}

type memSink struct {
	mu       sync.Mutex
	writes   int
	released bool
	writeErr error
}

func (s *memSink) Write(img video.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes++
	return nil
}

func (s *memSink) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	return nil
}

func (s *memSink) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *memSink) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

type memSinkFactory struct {
	mu        sync.Mutex
	sink      *memSink
	createErr error
	created   int
	width     int
	height    int
}

func (f *memSinkFactory) Create(sessionID string, width, height int, fps float64) (video.Sink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	f.width, f.height = width, height
	return f.sink, nil
}

type stubClassifier struct {
	verdict classify.Verdict
}

func (c *stubClassifier) Classify(ctx context.Context, png []byte) (classify.Verdict, error) {
	return c.verdict, nil
}

type memSource struct {
	mu       sync.Mutex
	frames   int
	served   int
	fps      float64
	released bool
}

func (s *memSource) Read() (video.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.served >= s.frames {
		return nil, false
	}
	s.served++
	return &memImage{w: 320, h: 240, data: []byte(fmt.Sprintf("frame-%d", s.served))}, true
}

func (s *memSource) FPS() float64 { return s.fps }

func (s *memSource) Release() {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
}

type memOpener struct {
	src     *memSource
	err     error
	opened  string
	mu      sync.Mutex
}

func (o *memOpener) Open(locator string) (video.Source, error) {
	o.mu.Lock()
	o.opened = locator
	o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	return o.src, nil
}

type staticResolver string

func (r staticResolver) Resolve(locator string) (string, error) { return string(r), nil }

type pushHarness struct {
	registry *stream.Registry
	hub      *fanout.Hub
	cache    *Cache
	session  *stream.Session
	sink     *memSink
	factory  *memSinkFactory
	pipeline *Pipeline
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPushHarness(t *testing.T) *pushHarness {
	t.Helper()
	logger := discardLogger()
	registry := stream.NewRegistry(logger, nil, time.Second)
	hub := fanout.NewHub(logger, nil)
	cache := NewCache()

	session, err := registry.Open(stream.SourcePush, "", 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to open session: %v", err)
	}

	sequencer := detect.NewSequencer(session.ID, hub, time.Minute, logger, nil)
	dispatcher := detect.NewDispatcher(session, sequencer, hub, &stubClassifier{verdict: classify.VerdictNo}, time.Second, logger, nil)

	sink := &memSink{}
	factory := &memSinkFactory{sink: sink}

	pipeline := NewPipeline(PipelineDeps{
		Session:     session,
		Registry:    registry,
		Hub:         hub,
		Cache:       cache,
		Decoder:     &memDecoder{},
		Sinks:       factory,
		Dispatcher:  dispatcher,
		Sequencer:   sequencer,
		TargetFPS:   30,
		JPEGQuality: 85,
		Logger:      logger,
		Metrics:     nil,
	})

	return &pushHarness{
		registry: registry,
		hub:      hub,
		cache:    cache,
		session:  session,
		sink:     sink,
		factory:  factory,
		pipeline: pipeline,
	}
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting: %s", msg)
}

func TestPipelineRecordsFrames(t *testing.T) {
	h := newPushHarness(t)
	if err := h.pipeline.Start(); err != nil {
		t.Fatalf("Failed to start pipeline: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := h.pipeline.Submit([]byte(fmt.Sprintf("frame-%d", i))); err != nil {
			t.Fatalf("Failed to submit frame %d: %v", i, err)
		}
	}

	waitUntil(t, func() bool { return h.sink.writeCount() == 3 }, "3 frames written to sink")

	if h.session.Status() != stream.StatusStreaming {
		t.Errorf("Expected status %s, got %s", stream.StatusStreaming, h.session.Status())
	}
	if h.session.FrameCount() != 3 {
		t.Errorf("Expected 3 sequence numbers consumed, got %d", h.session.FrameCount())
	}

	jpeg, ok := h.cache.Get(h.session.ID)
	if !ok {
		t.Fatalf("Expected latest frame in cache")
	}
	if string(jpeg) != "frame-2" {
		t.Errorf("Expected cache to hold last frame, got %q", string(jpeg))
	}

	if h.factory.created != 1 {
		t.Errorf("Expected exactly one sink, got %d", h.factory.created)
	}
	if h.factory.width != 640 || h.factory.height != 480 {
		t.Errorf("Expected sink sized from first frame 640x480, got %dx%d", h.factory.width, h.factory.height)
	}
}

func TestPipelineSkipsUndecodableFrames(t *testing.T) {
	h := newPushHarness(t)
	if err := h.pipeline.Start(); err != nil {
		t.Fatalf("Failed to start pipeline: %v", err)
	}

	h.pipeline.Submit([]byte("frame-0"))
	h.pipeline.Submit([]byte("bad"))
	h.pipeline.Submit([]byte("frame-1"))

	waitUntil(t, func() bool { return h.sink.writeCount() == 2 }, "2 good frames written")

	// The bad frame still consumed a sequence number.
	if h.session.FrameCount() != 3 {
		t.Errorf("Expected 3 sequence numbers consumed, got %d", h.session.FrameCount())
	}
	if h.session.Status() != stream.StatusStreaming {
		t.Errorf("Decode failure must not kill the session, status is %s", h.session.Status())
	}
}

func TestPipelineSinkCreateFailureFailsSession(t *testing.T) {
	h := newPushHarness(t)
	h.factory.createErr = errors.New("codec unavailable")

	if err := h.pipeline.Start(); err != nil {
		t.Fatalf("Failed to start pipeline: %v", err)
	}
	h.pipeline.Submit([]byte("frame-0"))

	waitUntil(t, func() bool { return h.session.Status() == stream.StatusError }, "session failed")

	if h.session.LastError() == nil {
		t.Errorf("Expected last error to be recorded")
	}
}

func TestPipelineSubmitAfterClose(t *testing.T) {
	h := newPushHarness(t)
	if err := h.pipeline.Start(); err != nil {
		t.Fatalf("Failed to start pipeline: %v", err)
	}

	if err := h.pipeline.Close(); err != nil {
		t.Fatalf("Failed to close pipeline: %v", err)
	}
	if h.session.Status() != stream.StatusStopped {
		t.Errorf("Expected status %s, got %s", stream.StatusStopped, h.session.Status())
	}

	if err := h.pipeline.Submit([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}

	if err := h.pipeline.Close(); !errors.Is(err, stream.ErrNotStreaming) {
		t.Errorf("Expected ErrNotStreaming on second close, got %v", err)
	}
}

func TestProducerDisconnectedWithoutSubscribersTearsDown(t *testing.T) {
	h := newPushHarness(t)
	if err := h.pipeline.Start(); err != nil {
		t.Fatalf("Failed to start pipeline: %v", err)
	}
	h.pipeline.Submit([]byte("frame-0"))
	waitUntil(t, func() bool { return h.sink.writeCount() == 1 }, "frame written")

	h.pipeline.ProducerDisconnected()

	if _, err := h.registry.Get(h.session.ID); !errors.Is(err, stream.ErrNotFound) {
		t.Errorf("Expected session removed, got %v", err)
	}
	if _, ok := h.cache.Get(h.session.ID); ok {
		t.Errorf("Expected cache cleared")
	}
	if !h.sink.isReleased() {
		t.Errorf("Expected sink released")
	}
}

type nullSubscriber struct{}

func (nullSubscriber) Send(payload []byte) error { return nil }
func (nullSubscriber) Close() error              { return nil }

func TestProducerDisconnectedKeepsSessionForSubscribers(t *testing.T) {
	h := newPushHarness(t)
	if err := h.pipeline.Start(); err != nil {
		t.Fatalf("Failed to start pipeline: %v", err)
	}
	h.hub.Subscribe(h.session.ID, nullSubscriber{})

	h.pipeline.ProducerDisconnected()

	if _, err := h.registry.Get(h.session.ID); err != nil {
		t.Errorf("Expected session to stay registered, got %v", err)
	}
	if h.session.Status() != stream.StatusStreaming {
		t.Errorf("Expected session to stay streaming, got %s", h.session.Status())
	}
}

func TestLastSubscriberLeavingOrphanedSessionTearsDown(t *testing.T) {
	h := newPushHarness(t)
	if err := h.pipeline.Start(); err != nil {
		t.Fatalf("Failed to start pipeline: %v", err)
	}
	h.pipeline.Submit([]byte("frame-0"))
	waitUntil(t, func() bool { return h.sink.writeCount() == 1 }, "frame written")

	sub := nullSubscriber{}
	h.hub.Subscribe(h.session.ID, sub)
	h.pipeline.ProducerDisconnected()

	if _, err := h.registry.Get(h.session.ID); err != nil {
		t.Fatalf("Expected session to survive producer disconnect, got %v", err)
	}

	h.hub.Unsubscribe(h.session.ID, sub)
	h.pipeline.SubscriberLeft()

	if _, err := h.registry.Get(h.session.ID); !errors.Is(err, stream.ErrNotFound) {
		t.Errorf("Expected session removed after last subscriber left, got %v", err)
	}
	if !h.sink.isReleased() {
		t.Errorf("Expected sink released")
	}
	if _, ok := h.cache.Get(h.session.ID); ok {
		t.Errorf("Expected cache cleared")
	}
}

func TestSubscriberLeftWithProducerConnectedKeepsSession(t *testing.T) {
	h := newPushHarness(t)
	if err := h.pipeline.Start(); err != nil {
		t.Fatalf("Failed to start pipeline: %v", err)
	}

	sub := nullSubscriber{}
	h.hub.Subscribe(h.session.ID, sub)
	h.hub.Unsubscribe(h.session.ID, sub)
	h.pipeline.SubscriberLeft()

	if h.session.Status() != stream.StatusStreaming {
		t.Errorf("Expected session to stay streaming, got %s", h.session.Status())
	}
}

func newPuller(t *testing.T, opener *memOpener, resolver LocatorResolver, locator string) (*stream.Registry, *stream.Session, *Puller, *memSink) {
	t.Helper()
	logger := discardLogger()
	registry := stream.NewRegistry(logger, nil, time.Second)
	hub := fanout.NewHub(logger, nil)
	cache := NewCache()

	session, err := registry.Open(stream.SourcePull, locator, 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to open session: %v", err)
	}

	sequencer := detect.NewSequencer(session.ID, hub, time.Minute, logger, nil)
	dispatcher := detect.NewDispatcher(session, sequencer, hub, &stubClassifier{verdict: classify.VerdictNo}, time.Second, logger, nil)

	sink := &memSink{}
	puller := NewPuller(PullerDeps{
		Session:     session,
		Registry:    registry,
		Hub:         hub,
		Cache:       cache,
		Opener:      opener,
		Resolver:    resolver,
		Sinks:       &memSinkFactory{sink: sink},
		Dispatcher:  dispatcher,
		Sequencer:   sequencer,
		TargetFPS:   30,
		JPEGQuality: 85,
		Logger:      logger,
		Metrics:     nil,
	})
	return registry, session, puller, sink
}

func TestPullerReadsUntilSourceEnds(t *testing.T) {
	source := &memSource{frames: 5, fps: 25}
	opener := &memOpener{src: source}
	_, session, puller, sink := newPuller(t, opener, nil, "http://cam.example/live.m3u8")

	puller.Start()

	waitUntil(t, func() bool { return session.Status() == stream.StatusStopped }, "session stopped after source end")

	if sink.writeCount() != 5 {
		t.Errorf("Expected 5 frames written, got %d", sink.writeCount())
	}
	if !sink.isReleased() {
		t.Errorf("Expected sink released")
	}
	source.mu.Lock()
	released := source.released
	source.mu.Unlock()
	if !released {
		t.Errorf("Expected source released")
	}
}

func TestPullerOpenFailure(t *testing.T) {
	opener := &memOpener{err: errors.New("unreachable")}
	_, session, puller, sink := newPuller(t, opener, nil, "rtsp://cam/1")

	puller.Start()

	waitUntil(t, func() bool { return session.Status() == stream.StatusError }, "session failed")

	if sink.writeCount() != 0 {
		t.Errorf("Expected no frames written, got %d", sink.writeCount())
	}
	if session.LastError() == nil {
		t.Errorf("Expected last error recorded")
	}
}

func TestPullerResolvesPageLocator(t *testing.T) {
	source := &memSource{frames: 1, fps: 10}
	opener := &memOpener{src: source}
	_, session, puller, _ := newPuller(t, opener, staticResolver("http://cdn.example/stream.m3u8"), "http://cam.example/viewer")

	puller.Start()

	waitUntil(t, func() bool { return session.Status() == stream.StatusStopped }, "session stopped")

	opener.mu.Lock()
	opened := opener.opened
	opener.mu.Unlock()
	if opened != "http://cdn.example/stream.m3u8" {
		t.Errorf("Expected resolved locator to be opened, got %q", opened)
	}
}

func TestCacheLastWriteWins(t *testing.T) {
	cache := NewCache()
	cache.Set("s1", []byte("one"))
	cache.Set("s1", []byte("two"))

	jpeg, ok := cache.Get("s1")
	if !ok || string(jpeg) != "two" {
		t.Errorf("Expected latest frame 'two', got %q (ok=%v)", string(jpeg), ok)
	}

	cache.Clear("s1")
	if _, ok := cache.Get("s1"); ok {
		t.Errorf("Expected cache cleared")
	}
}
