package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// SSEEmitter writes named SSE frames to an HTTP response, flushing after
// every event so the client sees tokens as they arrive.
type SSEEmitter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEEmitter wraps a response writer. The flusher may be nil when the
// writer does not support flushing (buffered test writers).
func NewSSEEmitter(w io.Writer) *SSEEmitter {
	flusher, _ := w.(http.Flusher)
	return &SSEEmitter{w: w, flusher: flusher}
}

// Emit writes one `event:`/`data:` frame.
func (e *SSEEmitter) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
