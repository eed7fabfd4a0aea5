package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

var ErrNotOpen = errors.New("event stream not open")

// Stream writes events as `data: <json>\n\n` frames. Writes are serialized
// and each one is bounded by writeTimeout when the underlying connection
// supports deadlines.
type Stream struct {
	mu           sync.Mutex
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration
	open         bool
}

func NewStream(w http.ResponseWriter, writeTimeout time.Duration) *Stream {
	return &Stream{w: w, rc: http.NewResponseController(w), writeTimeout: writeTimeout}
}

// Open sends the event-stream headers. It must be called before the first Write.
func (s *Stream) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("failed flushing headers: %w", err)
	}
	s.open = true
	return nil
}

func (s *Stream) Write(e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed encoding %s event: %w", e.EventType(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNotOpen
	}
	if s.writeTimeout > 0 {
		err := s.rc.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			return fmt.Errorf("failed setting write deadline: %w", err)
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return s.rc.Flush()
}
