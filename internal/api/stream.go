package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// sseStream writes named Server-Sent Events with JSON payloads. Every
// payload goes through json.Marshal, so the data line can never contain
// a raw newline that would break the event framing.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEStream prepares the response for SSE. Returns ok=false when the
// ResponseWriter cannot flush.
func newSSEStream(w http.ResponseWriter) (*sseStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &sseStream{w: w, flusher: flusher}, true
}

// Send emits one event and flushes it to the client.
func (s *sseStream) Send(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
