package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tired-racoon/smoking-detection-service/internal/batch"
	"github.com/tired-racoon/smoking-detection-service/internal/classify"
	"github.com/tired-racoon/smoking-detection-service/internal/config"
	"github.com/tired-racoon/smoking-detection-service/internal/detect"
	"github.com/tired-racoon/smoking-detection-service/internal/fanout"
	"github.com/tired-racoon/smoking-detection-service/internal/ingest"
	"github.com/tired-racoon/smoking-detection-service/internal/metrics"
	"github.com/tired-racoon/smoking-detection-service/internal/scrape"
	"github.com/tired-racoon/smoking-detection-service/internal/stream"
	"github.com/tired-racoon/smoking-detection-service/internal/video"
)

// previewFrameInterval paces the MJPEG preview endpoint at roughly 10 fps.
const previewFrameInterval = 100 * time.Millisecond

// Deps bundles everything the HTTP server wires together.
type Deps struct {
	Config     *config.Config
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Registry   *stream.Registry
	Hub        *fanout.Hub
	Cache      *ingest.Cache
	Classifier *classify.Client
	Runner     *batch.Runner
	Scraper    *scrape.Scraper
	Decoder    video.Decoder
	Sinks      video.SinkFactory
	Opener     video.SourceOpener
}

// HTTPServer provides the HTTP and WebSocket API of the service
type HTTPServer struct {
	server     *http.Server
	logger     *slog.Logger
	config     *config.Config
	metrics    *metrics.Metrics
	registry   *stream.Registry
	hub        *fanout.Hub
	cache      *ingest.Cache
	classifier *classify.Client
	runner     *batch.Runner
	scraper    *scrape.Scraper
	decoder    video.Decoder
	sinks      video.SinkFactory
	opener     video.SourceOpener

	// Per-session ingestion controllers
	mu        sync.RWMutex
	pipelines map[string]*ingest.Pipeline
	closers   map[string]func() error

	startTime time.Time
}

// NewHTTPServer creates the API server
func NewHTTPServer(deps Deps) *HTTPServer {
	h := &HTTPServer{
		logger:     deps.Logger,
		config:     deps.Config,
		metrics:    deps.Metrics,
		registry:   deps.Registry,
		hub:        deps.Hub,
		cache:      deps.Cache,
		classifier: deps.Classifier,
		runner:     deps.Runner,
		scraper:    deps.Scraper,
		decoder:    deps.Decoder,
		sinks:      deps.Sinks,
		opener:     deps.Opener,
		pipelines:  make(map[string]*ingest.Pipeline),
		closers:    make(map[string]func() error),
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", deps.Config.Server.Address, deps.Config.Server.Port),
		Handler: mux,
		// Streaming endpoints (websocket, MJPEG) stay open indefinitely, so
		// only header reads are bounded.
		ReadHeaderTimeout: deps.Config.Server.GetReadTimeout(),
		IdleTimeout:       60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Stream lifecycle
	mux.HandleFunc("POST /stream/request", h.withMetrics("/stream/request", h.handleStreamRequest))
	mux.HandleFunc("POST /stream/open-url", h.withMetrics("/stream/open-url", h.handleOpenURL))
	mux.HandleFunc("POST /stream/close/{id}", h.withMetrics("/stream/close/{id}", h.handleClose))
	mux.HandleFunc("GET /stream/status/{id}", h.withMetrics("/stream/status/{id}", h.handleStatus))
	mux.HandleFunc("GET /stream/list", h.withMetrics("/stream/list", h.handleList))

	// Frame transport and fanout
	mux.HandleFunc("GET /ws/stream/{id}", h.handleStreamWS)
	mux.HandleFunc("POST /stream/broadcast/{id}", h.withMetrics("/stream/broadcast/{id}", h.handleBroadcast))
	mux.HandleFunc("GET /stream/video/{id}", h.handleVideoFeed)

	// Batch detection
	mux.HandleFunc("POST /video/detect", h.withMetrics("/video/detect", h.handleDetect))
	mux.HandleFunc("GET /video/detect/result/{id}", h.withMetrics("/video/detect/result/{id}", h.handleDetectResult))

	// Monitoring
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server and closes every live session.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	h.mu.Lock()
	closers := make([]func() error, 0, len(h.closers))
	for _, closeSession := range h.closers {
		closers = append(closers, closeSession)
	}
	h.closers = make(map[string]func() error)
	h.pipelines = make(map[string]*ingest.Pipeline)
	h.mu.Unlock()

	for _, closeSession := range closers {
		if err := closeSession(); err != nil &&
			!errors.Is(err, stream.ErrAlreadyClosing) && !errors.Is(err, stream.ErrNotStreaming) {
			h.logger.Warn("Error closing session on shutdown", slog.String("error", err.Error()))
		}
	}

	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) pipeline(sessionID string) *ingest.Pipeline {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pipelines[sessionID]
}

func (h *HTTPServer) closer(sessionID string) func() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closers[sessionID]
}

func (h *HTTPServer) dropController(sessionID string) {
	h.mu.Lock()
	delete(h.pipelines, sessionID)
	delete(h.closers, sessionID)
	h.mu.Unlock()
}

// newPushSession opens a push session with its full ingestion chain.
func (h *HTTPServer) newPushSession() (*stream.Session, error) {
	session, err := h.registry.Open(stream.SourcePush, "", h.config.Detection.GetDetectionInterval())
	if err != nil {
		return nil, err
	}

	sequencer := detect.NewSequencer(session.ID, h.hub, h.config.Detection.GetSlotTimeout(), h.logger, h.metrics)
	dispatcher := detect.NewDispatcher(session, sequencer, h.hub, h.classifier,
		h.config.Classifier.GetTimeoutDuration(), h.logger, h.metrics)

	pipeline := ingest.NewPipeline(ingest.PipelineDeps{
		Session:     session,
		Registry:    h.registry,
		Hub:         h.hub,
		Cache:       h.cache,
		Decoder:     h.decoder,
		Sinks:       h.sinks,
		Dispatcher:  dispatcher,
		Sequencer:   sequencer,
		TargetFPS:   h.config.Video.TargetFPS,
		JPEGQuality: h.config.Video.JPEGQuality,
		Logger:      h.logger,
		Metrics:     h.metrics,
	})

	h.mu.Lock()
	h.pipelines[session.ID] = pipeline
	h.closers[session.ID] = pipeline.Close
	h.mu.Unlock()

	return session, nil
}

// newPullSession opens a pull session and starts its source loop.
func (h *HTTPServer) newPullSession(locator string, interval time.Duration) (*stream.Session, error) {
	session, err := h.registry.Open(stream.SourcePull, locator, interval)
	if err != nil {
		return nil, err
	}

	sequencer := detect.NewSequencer(session.ID, h.hub, h.config.Detection.GetSlotTimeout(), h.logger, h.metrics)
	dispatcher := detect.NewDispatcher(session, sequencer, h.hub, h.classifier,
		h.config.Classifier.GetTimeoutDuration(), h.logger, h.metrics)

	puller := ingest.NewPuller(ingest.PullerDeps{
		Session:     session,
		Registry:    h.registry,
		Hub:         h.hub,
		Cache:       h.cache,
		Opener:      h.opener,
		Resolver:    h.scraper,
		Sinks:       h.sinks,
		Dispatcher:  dispatcher,
		Sequencer:   sequencer,
		TargetFPS:   h.config.Video.TargetFPS,
		JPEGQuality: h.config.Video.JPEGQuality,
		Logger:      h.logger,
		Metrics:     h.metrics,
	})

	h.mu.Lock()
	h.closers[session.ID] = puller.Close
	h.mu.Unlock()

	puller.Start()
	return session, nil
}

// handleStreamRequest implements POST /stream/request
func (h *HTTPServer) handleStreamRequest(w http.ResponseWriter, r *http.Request) {
	session, err := h.newPushSession()
	if err != nil {
		http.Error(w, "Failed to create stream", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stream_id":     session.ID,
		"status":        session.Status(),
		"websocket_url": "/ws/stream/" + session.ID,
		"video_url":     "/stream/video/" + session.ID,
	})
}

// openURLRequest is the body of POST /stream/open-url.
type openURLRequest struct {
	URL               string  `json:"url"`
	DetectionInterval float64 `json:"detection_interval"` // seconds, 0 means default
}

// handleOpenURL implements POST /stream/open-url
func (h *HTTPServer) handleOpenURL(w http.ResponseWriter, r *http.Request) {
	var req openURLRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	if req.DetectionInterval < 0 {
		http.Error(w, "detection_interval cannot be negative", http.StatusBadRequest)
		return
	}

	interval := h.config.Detection.GetDetectionInterval()
	if req.DetectionInterval > 0 {
		interval = time.Duration(req.DetectionInterval * float64(time.Second))
	}

	session, err := h.newPullSession(req.URL, interval)
	if err != nil {
		http.Error(w, "Failed to create stream", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stream_id":     session.ID,
		"status":        session.Status(),
		"websocket_url": "/ws/stream/" + session.ID,
		"video_url":     "/stream/video/" + session.ID,
	})
}

// handleClose implements POST /stream/close/{id}. Closing an already-stopped
// session succeeds again; only a close racing a concurrent close conflicts.
func (h *HTTPServer) handleClose(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	session, err := h.registry.Get(sessionID)
	if err != nil {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	alreadyClosed := func() {
		writeJSON(w, http.StatusOK, map[string]any{
			"stream_id": sessionID,
			"status":    session.Status(),
			"detail":    "stream is already closed",
		})
	}

	closeSession := h.closer(sessionID)
	if closeSession == nil {
		// Controller already torn down; the session is terminal.
		alreadyClosed()
		return
	}

	switch err := closeSession(); {
	case err == nil:
	case errors.Is(err, stream.ErrNotFound):
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	case errors.Is(err, stream.ErrAlreadyClosing):
		http.Error(w, "Stream is already closing", http.StatusConflict)
		return
	case errors.Is(err, stream.ErrNotStreaming):
		alreadyClosed()
		return
	default:
		http.Error(w, "Failed to close stream", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stream_id": sessionID,
		"status":    session.Status(),
	})
}

// handleStatus implements GET /stream/status/{id}
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	session, err := h.registry.Get(r.PathValue("id"))
	if err != nil {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, session.Info())
}

// handleList implements GET /stream/list
func (h *HTTPServer) handleList(w http.ResponseWriter, r *http.Request) {
	infos := h.registry.List()

	writeJSON(w, http.StatusOK, map[string]any{
		"total":     len(infos),
		"timestamp": time.Now().UTC(),
		"streams":   infos,
	})
}

// handleBroadcast implements POST /stream/broadcast/{id}, injecting an
// annotation payload to all subscribers of a session.
func (h *HTTPServer) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	if _, err := h.registry.Get(sessionID); err != nil {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	if !json.Valid(payload) {
		http.Error(w, "Body must be valid JSON", http.StatusBadRequest)
		return
	}

	delivered := h.hub.Broadcast(sessionID, payload)

	writeJSON(w, http.StatusOK, map[string]any{
		"stream_id": sessionID,
		"delivered": delivered,
	})
}

// handleVideoFeed implements GET /stream/video/{id}: an MJPEG stream of the
// session's latest cached frame.
func (h *HTTPServer) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	session, err := h.registry.Get(sessionID)
	if err != nil {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	ticker := time.NewTicker(previewFrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-session.Done():
			return
		case <-ticker.C:
			frame, ok := h.cache.Get(sessionID)
			if !ok {
				continue
			}
			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			if _, err := io.WriteString(w, "\r\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleDetect implements POST /video/detect: accepts a multipart video
// upload and starts a batch detection job.
func (h *HTTPServer) handleDetect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.Server.MaxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Multipart field 'file' is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	tmp, err := os.CreateTemp("", "detect-*"+filepath.Ext(header.Filename))
	if err != nil {
		http.Error(w, "Failed to store upload", http.StatusInternalServerError)
		return
	}

	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		http.Error(w, "Failed to store upload", http.StatusInternalServerError)
		return
	}
	tmp.Close()

	jobID := h.runner.Submit(tmp.Name())

	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": jobID,
		"status":  batch.JobProcessing,
	})
}

// handleDetectResult implements GET /video/detect/result/{id}
func (h *HTTPServer) handleDetectResult(w http.ResponseWriter, r *http.Request) {
	job, err := h.runner.Get(r.PathValue("id"))
	if err != nil {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	classifierStats := h.classifier.GetStats()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "smoking-detection-service",
			"version": "1.0.0",
		},
		"components": map[string]any{
			"streams": map[string]any{
				"status":       "running",
				"active_count": h.registry.Count(),
			},
			"classifier": map[string]any{
				"status":          "running",
				"total_requests":  classifierStats.TotalRequests,
				"success_rate":    classifierStats.SuccessRate,
				"active_requests": classifierStats.ActiveRequests,
			},
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.registry.List()
	byStatus := make(map[stream.Status]int)
	var frames uint64
	for _, info := range infos {
		byStatus[info.Status]++
		frames += info.Frames
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"streams": map[string]any{
			"total":        len(infos),
			"by_status":    byStatus,
			"total_frames": frames,
		},
		"classifier": h.classifier.GetStats(),
	})
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Sanitized configuration: the classifier API key is omitted.
	writeJSON(w, http.StatusOK, map[string]any{
		"server": map[string]any{
			"port":             h.config.Server.Port,
			"address":          h.config.Server.Address,
			"read_timeout":     h.config.Server.ReadTimeout,
			"max_upload_bytes": h.config.Server.MaxUploadBytes,
		},
		"video": map[string]any{
			"storage_dir":  h.config.Video.StorageDir,
			"target_fps":   h.config.Video.TargetFPS,
			"jpeg_quality": h.config.Video.JPEGQuality,
		},
		"detection": map[string]any{
			"interval":     h.config.Detection.Interval,
			"grace_period": h.config.Detection.GracePeriod,
			"slot_timeout": h.config.Detection.SlotTimeout,
		},
		"classifier": map[string]any{
			"endpoint":       h.config.Classifier.Endpoint,
			"model":          h.config.Classifier.Model,
			"timeout":        h.config.Classifier.Timeout,
			"max_retries":    h.config.Classifier.MaxRetries,
			"max_concurrent": h.config.Classifier.MaxConcurrent,
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"service": "Smoking Detection Service",
		"version": "1.0.0",
		"endpoints": map[string]any{
			"POST /stream/request":          "Create a push stream session",
			"POST /stream/open-url":         "Open a remote stream or page URL",
			"GET /ws/stream/{id}":           "Duplex websocket: frames in, detections out",
			"POST /stream/broadcast/{id}":   "Inject an annotation payload to subscribers",
			"GET /stream/video/{id}":        "MJPEG preview of the latest frame",
			"POST /stream/close/{id}":       "Close a stream session",
			"GET /stream/status/{id}":       "Get stream session status",
			"GET /stream/list":              "List all stream sessions",
			"POST /video/detect":            "Submit a video for batch detection",
			"GET /video/detect/result/{id}": "Get a batch detection result",
			"GET /health":                   "Service health check",
			"GET /stats":                    "Service statistics",
			"GET /config":                   "Service configuration",
			"GET /metrics":                  "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
