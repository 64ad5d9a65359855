// Package codec provides the interface for converting between a provider's
// wire format (OpenAI, Anthropic) and the canonical request/response model.
//
// The codec sits at both ends of every proxied call:
//   - Frontdoor receives request → Codec.DecodeRequest() → CanonicalRequest
//   - CanonicalRequest → Codec.EncodeRequest() → upstream call
//   - Upstream response → Codec.DecodeResponse() → ResponseBody
//   - CanonicalResponse → Codec.EncodeResponse() → caller
package codec

import (
	"fmt"
	"sort"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
)

// Codec handles bidirectional conversion for one provider. Implementations
// are stateless and safe for concurrent use. Malformed input fails with a
// domain.ErrorTypeMalformed error.
type Codec interface {
	// Provider returns the provider this codec speaks for.
	Provider() domain.Provider

	// Route returns the provider-native route suffix, e.g. "/chat/completions".
	Route() string

	// Request conversion
	DecodeRequest(data []byte) (*domain.CanonicalRequest, error)
	EncodeRequest(req *domain.CanonicalRequest) ([]byte, error)

	// Response conversion
	DecodeResponse(data []byte) (*domain.ResponseBody, error)
	EncodeResponse(resp *domain.CanonicalResponse) ([]byte, error)

	// NewStreamAccumulator returns a fresh accumulator for one streamed call.
	NewStreamAccumulator() StreamAccumulator

	// FormatError renders err in the provider's native error envelope.
	FormatError(err error) *ErrorResponse

	// ParseError converts a non-2xx upstream body into a canonical error.
	ParseError(status int, body []byte) *domain.APIError
}

// StreamAccumulator folds server-sent event frames into a complete response
// body.
type StreamAccumulator interface {
	// Add consumes one frame. event is empty for providers that do not name
	// their events.
	Add(event string, data []byte) error

	// Done reports whether the terminal frame has been seen.
	Done() bool

	// Result returns the accumulated body.
	Result() (*domain.ResponseBody, error)
}

// Registry maps providers to codecs. It is built once at startup and read
// concurrently afterwards.
type Registry struct {
	codecs map[domain.Provider]Codec
}

// NewRegistry creates a registry holding the given codecs.
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{codecs: make(map[domain.Provider]Codec, len(codecs))}
	for _, c := range codecs {
		r.codecs[c.Provider()] = c
	}
	return r
}

// Get returns the codec for p.
func (r *Registry) Get(p domain.Provider) (Codec, error) {
	c, ok := r.codecs[p]
	if !ok {
		return nil, domain.ErrInvalidRequest(fmt.Sprintf("no codec registered for provider %q", p))
	}
	return c, nil
}

// Providers returns the registered providers in sorted order.
func (r *Registry) Providers() []domain.Provider {
	out := make([]domain.Provider, 0, len(r.codecs))
	for p := range r.codecs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
