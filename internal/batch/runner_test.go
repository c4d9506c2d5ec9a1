package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tired-racoon/smoking-detection-service/internal/classify"
	"github.com/tired-racoon/smoking-detection-service/internal/video"
)

type sampleImage struct {
	data []byte
}

func (s *sampleImage) Width() int                             { return 320 }
func (s *sampleImage) Height() int                            { return 240 }
func (s *sampleImage) Clone() video.Image                     { return &sampleImage{data: s.data} }
func (s *sampleImage) EncodeJPEG(quality int) ([]byte, error) { return s.data, nil }
func (s *sampleImage) EncodePNG() ([]byte, error)             { return s.data, nil }
func (s *sampleImage) Close()                                 {}

// scriptSource serves one frame per second of scripted video: the script
// character of the frame's second decides what the classifier answers.
type scriptSource struct {
	mu     sync.Mutex
	script string
	served int
	fps    float64
}

func (s *scriptSource) Read() (video.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.served >= len(s.script) {
		return nil, false
	}
	frame := &sampleImage{data: []byte(string(s.script[s.served]))}
	s.served++
	return frame, true
}

func (s *scriptSource) FPS() float64 { return s.fps }
func (s *scriptSource) Release()     {}

type scriptOpener struct {
	source video.Source
	err    error
}

func (o *scriptOpener) Open(locator string) (video.Source, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.source, nil
}

// scriptClassifier answers Yes for "Y" samples, errors for "E" samples, and
// No otherwise.
type scriptClassifier struct{}

func (scriptClassifier) Classify(ctx context.Context, png []byte) (classify.Verdict, error) {
	switch string(png) {
	case "Y":
		return classify.VerdictYes, nil
	case "E":
		return "", errors.New("classifier unavailable")
	default:
		return classify.VerdictNo, nil
	}
}

func testRunner(t *testing.T, opener video.SourceOpener) *Runner {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRunner(opener, scriptClassifier{}, time.Second, logger, nil)
}

func waitJob(t *testing.T, runner *Runner, id string) Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := runner.Get(id)
		if err != nil {
			t.Fatalf("Failed to get job: %v", err)
		}
		if job.Status != JobProcessing {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for job %s", id)
	return Job{}
}

func tempVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.mp4")
	if err := os.WriteFile(path, []byte("video"), 0644); err != nil {
		t.Fatalf("Failed to create temp video: %v", err)
	}
	return path
}

// sampledScript expands per-sample answers into a per-frame script where one
// frame per five is sampled at fps 1.
func sampledScript(samples string) string {
	var b strings.Builder
	for i, c := range samples {
		b.WriteRune(c)
		if i < len(samples)-1 {
			b.WriteString("____") // unsampled filler frames
		}
	}
	return b.String()
}

func TestRunnerMajorityOfMajorities(t *testing.T) {
	tests := []struct {
		name    string
		samples string
		want    classify.Verdict
	}{
		{"sparse positives win short video", "YNY", classify.VerdictYes},
		{"all negative", "NNNNNNN", classify.VerdictNo},
		{"positive window", "YYYNN", classify.VerdictYes},
		{"classifier errors count negative", "EEEYY", classify.VerdictNo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &scriptSource{script: sampledScript(tt.samples), fps: 1}
			runner := testRunner(t, &scriptOpener{source: source})

			id := runner.Submit(tempVideo(t))
			job := waitJob(t, runner, id)

			if job.Status != JobCompleted {
				t.Fatalf("Expected completed job, got %s (%s)", job.Status, job.Error)
			}
			if job.Verdict != tt.want {
				t.Errorf("Expected verdict %s, got %s", tt.want, job.Verdict)
			}
		})
	}
}

func TestRunnerEmptyVideoIsNegative(t *testing.T) {
	source := &scriptSource{script: "", fps: 1}
	runner := testRunner(t, &scriptOpener{source: source})

	id := runner.Submit(tempVideo(t))
	job := waitJob(t, runner, id)

	if job.Status != JobCompleted {
		t.Fatalf("Expected completed job, got %s", job.Status)
	}
	if job.Verdict != classify.VerdictNo {
		t.Errorf("Expected verdict No for empty video, got %s", job.Verdict)
	}
}

func TestRunnerOpenFailureFailsJob(t *testing.T) {
	runner := testRunner(t, &scriptOpener{err: errors.New("not a video")})

	id := runner.Submit(tempVideo(t))
	job := waitJob(t, runner, id)

	if job.Status != JobFailed {
		t.Fatalf("Expected failed job, got %s", job.Status)
	}
	if job.Error == "" {
		t.Errorf("Expected job error to be recorded")
	}
}

func TestRunnerRemovesUploadedFile(t *testing.T) {
	source := &scriptSource{script: "N", fps: 1}
	runner := testRunner(t, &scriptOpener{source: source})

	path := tempVideo(t)
	id := runner.Submit(path)
	waitJob(t, runner, id)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("Expected uploaded file %s to be deleted", path)
}

func TestRunnerUnknownJob(t *testing.T) {
	runner := testRunner(t, &scriptOpener{})

	if _, err := runner.Get("no-such-job"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestRunnerConcurrentJobs(t *testing.T) {
	runner := testRunner(t, &scriptOpener{source: &scriptSource{script: "Y", fps: 1}})

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		source := &scriptSource{script: fmt.Sprintf("%c", "YN"[i%2]), fps: 1}
		runner.opener = &scriptOpener{source: source}
		ids = append(ids, runner.Submit(tempVideo(t)))
		waitJob(t, runner, ids[i])
	}

	for i, id := range ids {
		job, err := runner.Get(id)
		if err != nil {
			t.Fatalf("Failed to get job %d: %v", i, err)
		}
		want := classify.VerdictYes
		if i%2 == 1 {
			want = classify.VerdictNo
		}
		if job.Verdict != want {
			t.Errorf("Job %d: expected %s, got %s", i, want, job.Verdict)
		}
	}
}
