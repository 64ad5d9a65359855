package anthropic

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/api/anthropic"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/pkg/codec"
)

const maxErrorBody = 512

// FormatError formats a domain error as an Anthropic API error response.
func (c *Codec) FormatError(err error) *codec.ErrorResponse {
	apiErr := codec.ToCanonicalError(err)

	body, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    mapDomainToAnthropicErrorType(apiErr),
			"message": apiErr.Message,
		},
	})

	return &codec.ErrorResponse{
		StatusCode: apiErr.HTTPStatusCode(),
		Body:       body,
	}
}

func mapDomainToAnthropicErrorType(e *domain.APIError) string {
	switch e.Type {
	case domain.ErrorTypeInvalidRequest, domain.ErrorTypeMalformed:
		return "invalid_request_error"
	case domain.ErrorTypeReplayMiss, domain.ErrorTypeStrictMiss, domain.ErrorTypeNotFound:
		return "not_found_error"
	case domain.ErrorTypeModeViolation:
		return "permission_error"
	case domain.ErrorTypeRateLimit:
		return "rate_limit_error"
	case domain.ErrorTypeTimeout:
		return "timeout_error"
	case domain.ErrorTypeStorageUnavailable:
		return "overloaded_error"
	case domain.ErrorTypeUpstream:
		if e.UpstreamType != "" {
			return e.UpstreamType
		}
		return "api_error"
	default:
		return "api_error"
	}
}

// ParseError converts a non-2xx upstream body into an upstream error.
func (c *Codec) ParseError(status int, body []byte) *domain.APIError {
	if apiErr, err := anthropic.ParseErrorResponse(body); err == nil && apiErr != nil {
		e := domain.ErrUpstream(status, apiErr.Message).WithProvider(domain.ProviderAnthropic)
		e.UpstreamType = apiErr.Type
		return e
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return domain.ErrUpstream(status, "upstream returned "+http.StatusText(status)+": "+msg).
		WithProvider(domain.ProviderAnthropic)
}
