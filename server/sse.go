package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// sseWriter sends Server-Sent Events to an http.ResponseWriter.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter creates a new SSE writer. Returns nil if the ResponseWriter
// doesn't support http.Flusher.
func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx
	flusher.Flush()

	return &sseWriter{w: w, flusher: flusher}
}

// sendEvent writes a named SSE event with JSON data.
func (s *sseWriter) sendEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal SSE data: %w", err)
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData)
	s.flusher.Flush()
	return nil
}
