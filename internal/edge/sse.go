package edge

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// SSESink writes session events as server-sent events. Safe for concurrent
// Send calls; the session's delivery and heartbeat paths share it.
type SSESink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	failed  bool
}

// NewSSESink prepares the response for streaming. Returns an error when the
// ResponseWriter cannot flush.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("edge: response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSESink{w: w, flusher: flusher}, nil
}

// Send writes one event frame and flushes it. After the first write failure
// the sink stays failed; the session treats that as a client disconnect.
func (s *SSESink) Send(event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return fmt.Errorf("edge: sse sink closed")
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("edge: encode %s event: %w", event.Type, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		s.failed = true
		return err
	}
	s.flusher.Flush()
	return nil
}
