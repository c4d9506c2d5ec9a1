package server

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tired-racoon/smoking-detection-service/internal/ingest"
	"github.com/tired-racoon/smoking-detection-service/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
	// Producers are cameras and scripts, not browsers with an origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSubscriber adapts a websocket connection to the fanout hub. gorilla
// connections allow one concurrent writer, hence the mutex.
type wsSubscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSSubscriber(conn *websocket.Conn) *wsSubscriber {
	return &wsSubscriber{conn: conn}
}

func (s *wsSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *wsSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// handleStreamWS implements the duplex GET /ws/stream/{id} endpoint. Every
// connection is a subscriber; a connection that submits frames is the
// session's producer.
func (h *HTTPServer) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	session, err := h.registry.Get(sessionID)
	if err != nil {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return
	}

	sub := newWSSubscriber(conn)
	h.hub.Subscribe(sessionID, sub)

	h.logger.Info("WebSocket connected",
		slog.String("session_id", sessionID),
		slog.String("remote", r.RemoteAddr),
	)

	producer := false
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		frame, ok := decodeFrameMessage(msgType, data)
		if !ok {
			continue
		}

		pipeline := h.pipeline(sessionID)
		if pipeline == nil {
			continue
		}

		if !producer {
			producer = true
			if err := pipeline.Start(); err != nil {
				h.logger.Warn("Failed to start ingestion",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()),
				)
				break
			}
		}

		if err := pipeline.Submit(frame); err != nil {
			if errors.Is(err, ingest.ErrClosed) {
				break
			}
		}
	}

	h.hub.Unsubscribe(sessionID, sub)
	conn.Close()

	if pipeline := h.pipeline(sessionID); pipeline != nil {
		if producer {
			pipeline.ProducerDisconnected()
		} else {
			pipeline.SubscriberLeft()
		}
		if _, err := h.registry.Get(sessionID); errors.Is(err, stream.ErrNotFound) {
			h.dropController(sessionID)
		}
	}

	h.logger.Info("WebSocket disconnected",
		slog.String("session_id", session.ID),
		slog.Bool("producer", producer),
	)
}

// decodeFrameMessage extracts encoded image bytes from a websocket message.
// Binary messages carry raw bytes; text messages carry base64 data URIs or
// bare base64.
func decodeFrameMessage(msgType int, data []byte) ([]byte, bool) {
	switch msgType {
	case websocket.BinaryMessage:
		return data, true
	case websocket.TextMessage:
		text := string(data)
		if idx := strings.Index(text, "base64,"); idx >= 0 {
			text = text[idx+len("base64,"):]
		}
		decoded, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return nil, false
		}
		return decoded, true
	default:
		return nil, false
	}
}
