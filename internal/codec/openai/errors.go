package openai

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/api/openai"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/pkg/codec"
)

const maxErrorBody = 512

// FormatError formats a domain error as an OpenAI API error response.
func (c *Codec) FormatError(err error) *codec.ErrorResponse {
	apiErr := codec.ToCanonicalError(err)

	errType := mapDomainToOpenAIErrorType(apiErr)
	errObj := map[string]any{
		"message": apiErr.Message,
		"type":    errType,
		"param":   nil,
		"code":    nil,
	}
	if code := mapDomainToOpenAIErrorCode(apiErr); code != "" {
		errObj["code"] = code
	}
	if apiErr.Param != "" {
		errObj["param"] = apiErr.Param
	}

	body, _ := json.Marshal(map[string]any{"error": errObj})
	return &codec.ErrorResponse{
		StatusCode: apiErr.HTTPStatusCode(),
		Body:       body,
	}
}

func mapDomainToOpenAIErrorType(e *domain.APIError) string {
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
	case domain.ErrorTypeUpstream:
		if e.UpstreamType != "" {
			return e.UpstreamType
		}
		return "api_error"
	default:
		return "server_error"
	}
}

// mapDomainToOpenAIErrorCode surfaces the replay-specific error types as the
// code so callers can tell a replay miss from an upstream 404.
func mapDomainToOpenAIErrorCode(e *domain.APIError) string {
	if e.Code != "" {
		return string(e.Code)
	}
	switch e.Type {
	case domain.ErrorTypeReplayMiss, domain.ErrorTypeStrictMiss, domain.ErrorTypeCorrupt,
		domain.ErrorTypeModeViolation, domain.ErrorTypeStorageUnavailable, domain.ErrorTypeMalformed:
		return string(e.Type)
	}
	return ""
}

// ParseError converts a non-2xx upstream body into an upstream error.
func (c *Codec) ParseError(status int, body []byte) *domain.APIError {
	if apiErr, err := openai.ParseErrorResponse(body); err == nil && apiErr != nil {
		e := domain.ErrUpstream(status, apiErr.Message).WithProvider(domain.ProviderOpenAI)
		e.UpstreamType = apiErr.Type
		if apiErr.Code != nil {
			e.Code = domain.ErrorCode(*apiErr.Code)
		}
		if apiErr.Param != nil {
			e.Param = *apiErr.Param
		}
		return e
	}
	return domain.ErrUpstream(status, upstreamMessage(status, body)).WithProvider(domain.ProviderOpenAI)
}

func upstreamMessage(status int, body []byte) string {
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return "upstream returned " + http.StatusText(status) + ": " + msg
}
