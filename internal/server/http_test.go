package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tired-racoon/smoking-detection-service/internal/config"
	"github.com/tired-racoon/smoking-detection-service/internal/fanout"
	"github.com/tired-racoon/smoking-detection-service/internal/ingest"
	"github.com/tired-racoon/smoking-detection-service/internal/stream"
)

func testServer(t *testing.T) *HTTPServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.Config{
		Server:     config.ServerConfig{Port: 8099, Address: "127.0.0.1", ReadTimeout: 5, MaxUploadBytes: 1 << 20},
		Video:      config.VideoConfig{StorageDir: "stream", TargetFPS: 30, JPEGQuality: 85},
		Detection:  config.DetectionConfig{Interval: 5, GracePeriod: 1, SlotTimeout: 10},
		Classifier: config.ClassifierConfig{Endpoint: "http://127.0.0.1:0", APIKey: "test", Model: "test-model", Timeout: 1},
		Logging:    config.LoggingConfig{Level: "info", Format: "text"},
	}

	return NewHTTPServer(Deps{
		Config:   cfg,
		Logger:   logger,
		Registry: stream.NewRegistry(logger, nil, cfg.Detection.GetGracePeriod()),
		Hub:      fanout.NewHub(logger, nil),
		Cache:    ingest.NewCache(),
	})
}

func doRequest(t *testing.T, h *HTTPServer, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.server.Handler.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		json.Unmarshal(rec.Body.Bytes(), &body)
	}
	return rec, body
}

func TestCloseStreamIsIdempotent(t *testing.T) {
	h := testServer(t)

	rec, body := doRequest(t, h, http.MethodPost, "/stream/request")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 creating stream, got %d", rec.Code)
	}
	id, _ := body["stream_id"].(string)
	if id == "" {
		t.Fatalf("Expected stream id in response, got %v", body)
	}

	rec, body = doRequest(t, h, http.MethodPost, "/stream/close/"+id)
	if rec.Code != http.StatusOK {
		t.Fatalf("First close: expected 200, got %d", rec.Code)
	}
	if body["status"] != string(stream.StatusStopped) {
		t.Errorf("Expected status %s after close, got %v", stream.StatusStopped, body["status"])
	}

	rec, body = doRequest(t, h, http.MethodPost, "/stream/close/"+id)
	if rec.Code != http.StatusOK {
		t.Errorf("Repeat close: expected 200, got %d", rec.Code)
	}
	if body["detail"] != "stream is already closed" {
		t.Errorf("Expected already-closed detail, got %v", body["detail"])
	}

	rec, _ = doRequest(t, h, http.MethodGet, "/stream/status/"+id)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected closed session to stay queryable, got %d", rec.Code)
	}
}

func TestCloseUnknownStream(t *testing.T) {
	h := testServer(t)

	rec, _ := doRequest(t, h, http.MethodPost, "/stream/close/no-such-stream")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown stream, got %d", rec.Code)
	}
}
