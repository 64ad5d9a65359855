package frontdoor

import (
	"bytes"
	"net/http"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
)

// sseWriter relays upstream frames to the caller as they arrive. It writes
// the response headers on the first frame.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	buf     bytes.Buffer
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	f, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: f}
}

// Started reports whether any frame has been written.
func (s *sseWriter) Started() bool {
	return s.started
}

// WriteFrame implements ports.StreamSink.
func (s *sseWriter) WriteFrame(event string, data []byte) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set(HeaderSource, string(domain.SourceUpstream))
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	s.buf.Reset()
	if event != "" {
		s.buf.WriteString("event: ")
		s.buf.WriteString(event)
		s.buf.WriteByte('\n')
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		s.buf.WriteString("data: ")
		s.buf.Write(line)
		s.buf.WriteByte('\n')
	}
	s.buf.WriteByte('\n')

	if _, err := s.w.Write(s.buf.Bytes()); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
