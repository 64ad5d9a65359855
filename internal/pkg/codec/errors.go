package codec

import (
	"net/http"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
)

// ErrorResponse is a provider-native error ready to be written.
type ErrorResponse struct {
	StatusCode int
	Body       []byte
}

// ToCanonicalError converts any error to a domain.APIError.
// If the error is already a domain.APIError, it returns it directly.
// Otherwise, it wraps the error in a generic server error.
func ToCanonicalError(err error) *domain.APIError {
	return domain.ToAPIError(err)
}

// Malformed builds the error codecs return for unparsable payloads.
func Malformed(p domain.Provider, what string, err error) *domain.APIError {
	msg := what
	if err != nil {
		msg += ": " + err.Error()
	}
	return domain.ErrMalformed(p, msg)
}

// WriteError writes err using the codec's native envelope.
func WriteError(w http.ResponseWriter, c Codec, err error) {
	resp := c.FormatError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}
