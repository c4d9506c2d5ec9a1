// Package server implements the HTTP and WebSocket API of the service: stream
// session lifecycle, duplex frame/detection websockets, MJPEG previews, batch
// video detection, and monitoring/management endpoints.
package server
