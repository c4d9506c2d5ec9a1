package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tired-racoon/smoking-detection-service/internal/classify"
	"github.com/tired-racoon/smoking-detection-service/internal/metrics"
	"github.com/tired-racoon/smoking-detection-service/internal/video"
)

// ErrJobNotFound is returned for lookups of unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// sampleEverySeconds spaces out the frames taken from the video.
const sampleEverySeconds = 5.0

// fallbackFPS stands in when the container reports no frame rate.
const fallbackFPS = 30.0

// JobStatus is the lifecycle state of a batch detection job.
type JobStatus string

const (
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job is one offline whole-video detection. Jobs live in memory only.
type Job struct {
	ID          string           `json:"id"`
	Status      JobStatus        `json:"status"`
	Verdict     classify.Verdict `json:"verdict,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt time.Time        `json:"completed_at,omitzero"`
}

// Runner executes batch detection jobs: sample the uploaded video every few
// seconds, classify every sample, and reduce the verdicts with the windowed
// majority vote.
type Runner struct {
	mu   sync.RWMutex
	jobs map[string]*Job

	opener     video.SourceOpener
	classifier classify.Classifier
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewRunner creates a batch job runner. timeout bounds each classifier call.
func NewRunner(opener video.SourceOpener, classifier classify.Classifier, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Runner {
	return &Runner{
		jobs:       make(map[string]*Job),
		opener:     opener,
		classifier: classifier,
		timeout:    timeout,
		logger:     logger,
		metrics:    m,
	}
}

// Submit registers a job for an uploaded video file and starts processing it
// in the background. The file is deleted once the job finishes.
func (r *Runner) Submit(videoPath string) string {
	job := &Job{
		ID:        uuid.NewString(),
		Status:    JobProcessing,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	r.metrics.RecordBatchJobSubmitted()
	r.logger.Info("Batch job submitted",
		slog.String("job_id", job.ID),
		slog.String("path", videoPath),
	)

	go r.process(job.ID, videoPath)
	return job.ID
}

// Get returns a snapshot of a job.
func (r *Runner) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, exists := r.jobs[id]
	if !exists {
		return Job{}, ErrJobNotFound
	}
	return *job, nil
}

func (r *Runner) process(id, videoPath string) {
	defer os.Remove(videoPath)

	start := time.Now()
	verdict, err := r.analyze(videoPath)

	r.mu.Lock()
	job := r.jobs[id]
	if err != nil {
		job.Status = JobFailed
		job.Error = err.Error()
	} else {
		job.Status = JobCompleted
		job.Verdict = verdict
	}
	job.CompletedAt = time.Now()
	r.mu.Unlock()

	if err != nil {
		r.metrics.RecordBatchJobFailed(time.Since(start).Seconds())
		r.logger.Error("Batch job failed",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
		return
	}

	r.metrics.RecordBatchJobCompleted(time.Since(start).Seconds())
	r.logger.Info("Batch job completed",
		slog.String("job_id", id),
		slog.String("verdict", string(verdict)),
		slog.Duration("took", time.Since(start)),
	)
}

// analyze samples the video and reduces the classifications to one verdict.
func (r *Runner) analyze(videoPath string) (classify.Verdict, error) {
	source, err := r.opener.Open(videoPath)
	if err != nil {
		return "", fmt.Errorf("failed to open video: %w", err)
	}
	defer source.Release()

	fps := source.FPS()
	if fps <= 0 {
		fps = fallbackFPS
	}
	frameInterval := int(fps * sampleEverySeconds)
	if frameInterval < 1 {
		frameInterval = 1
	}

	var samples [][]byte
	for frameIdx := 0; ; frameIdx++ {
		img, ok := source.Read()
		if !ok {
			break
		}
		if frameIdx%frameInterval != 0 {
			img.Close()
			continue
		}

		png, err := img.EncodePNG()
		img.Close()
		if err != nil {
			r.logger.Warn("Failed to encode sample frame, skipping",
				slog.String("path", videoPath),
				slog.Int("frame", frameIdx),
				slog.String("error", err.Error()),
			)
			continue
		}
		samples = append(samples, png)
	}

	verdicts := make([]classify.Verdict, len(samples))
	var wg sync.WaitGroup
	for i, png := range samples {
		wg.Add(1)
		go func(i int, png []byte) {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()

			verdict, err := r.classifier.Classify(ctx, png)
			if err != nil || verdict != classify.VerdictYes {
				// Anything but a confirmed positive counts as negative.
				verdicts[i] = classify.VerdictNo
				return
			}
			verdicts[i] = classify.VerdictYes
		}(i, png)
	}
	wg.Wait()

	return Reduce(verdicts), nil
}
