package ports

import (
	"context"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
)

// Forwarder sends canonical requests to the real provider API. It refuses
// modes that forbid network I/O before doing anything else.
type Forwarder interface {
	// Call performs a non-streaming request.
	Call(ctx context.Context, mode domain.Mode, req *domain.CanonicalRequest) (*domain.CanonicalResponse, error)

	// Stream performs a streaming request, writing each frame to sink as it
	// arrives, and returns the folded response with its chunks.
	Stream(ctx context.Context, mode domain.Mode, req *domain.CanonicalRequest, sink StreamSink) (*domain.CanonicalResponse, error)
}

// StreamSink receives server-sent event frames in arrival order.
type StreamSink interface {
	// WriteFrame writes one frame. event is empty for unnamed events.
	WriteFrame(event string, data []byte) error
}

// StreamSinkFunc adapts a function to StreamSink.
type StreamSinkFunc func(event string, data []byte) error

// WriteFrame calls f.
func (f StreamSinkFunc) WriteFrame(event string, data []byte) error {
	return f(event, data)
}
