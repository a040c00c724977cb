package generation

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Wire events. The data block format is fixed; clients parse it byte for
// byte, so every event goes out as `data: <JSON>\n\n`.
type thoughtEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type completeEvent struct {
	Type    string   `json:"type"`
	Success bool     `json:"success"`
	Icons   []string `json:"icons"`
	Error   string   `json:"error,omitempty"`
}

type errorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Stream writes generation events to the client. After Close every emit
// becomes a no-op, so provider goroutines finishing late cannot write to
// a disconnected client.
type Stream struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
}

// NewStream wraps a response writer. Flushing is best effort; writers
// without http.Flusher (test buffers) are still valid targets.
func NewStream(w io.Writer) *Stream {
	s := &Stream{w: w}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

// Thought forwards one narration fragment.
func (s *Stream) Thought(content string) {
	s.emit(thoughtEvent{Type: "thought", Content: content})
}

// Complete sends the terminal result event.
func (s *Stream) Complete(success bool, icons []string, errMsg string) {
	if icons == nil {
		icons = []string{}
	}
	s.emit(completeEvent{Type: "complete", Success: success, Icons: icons, Error: errMsg})
}

// Error sends a hard failure event.
func (s *Stream) Error(msg string) {
	s.emit(errorEvent{Type: "error", Error: msg})
}

// Close marks the stream dead. Idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Closed reports whether the stream has been closed.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) emit(event any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		s.closed = true
		return
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
