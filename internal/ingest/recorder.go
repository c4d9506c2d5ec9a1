package ingest

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tired-racoon/smoking-detection-service/internal/detect"
	"github.com/tired-racoon/smoking-detection-service/internal/metrics"
	"github.com/tired-racoon/smoking-detection-service/internal/stream"
	"github.com/tired-racoon/smoking-detection-service/internal/video"
)

// recorder persists decoded frames for one session: lazy sink creation at the
// first frame's dimensions, the latest-frame cache, and the sampling
// dispatcher. Shared by the push pipeline and the pull loop; only the owning
// ingestion goroutine touches it.
type recorder struct {
	session    *stream.Session
	registry   *stream.Registry
	cache      *Cache
	sinks      video.SinkFactory
	dispatcher *detect.Dispatcher

	fps         float64
	jpegQuality int

	sink   video.Sink
	logger *slog.Logger
	m      *metrics.Metrics
}

// record processes one decoded frame: sink write, cache update, and a
// possible classification dispatch. The frame is closed before returning.
// A sink creation failure is fatal and fails the session; the returned error
// reports it.
func (r *recorder) record(img video.Image, seq uint64) error {
	defer img.Close()

	if r.sink == nil {
		sink, err := r.sinks.Create(r.session.ID, img.Width(), img.Height(), r.fps)
		if err != nil {
			failure := fmt.Errorf("failed to create video sink: %w", err)
			r.registry.Fail(r.session.ID, failure)
			return failure
		}
		r.sink = sink
		r.session.SetReleaseSink(sink.Release)

		r.logger.Info("Video sink created",
			slog.String("session_id", r.session.ID),
			slog.Int("width", img.Width()),
			slog.Int("height", img.Height()),
			slog.Float64("fps", r.fps),
		)
	}

	if err := r.sink.Write(img); err != nil {
		r.m.RecordSinkError()
		r.logger.Warn("Failed to write frame to sink",
			slog.String("session_id", r.session.ID),
			slog.Uint64("frame_number", seq),
			slog.String("error", err.Error()),
		)
	} else {
		r.m.RecordFrameRecorded()
	}

	if jpeg, err := img.EncodeJPEG(r.jpegQuality); err == nil {
		r.cache.Set(r.session.ID, jpeg)
	}

	r.dispatcher.MaybeDispatch(img, seq, time.Now())
	return nil
}
