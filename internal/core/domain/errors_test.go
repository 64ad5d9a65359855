package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected string
	}{
		{
			name:     "error with type and message",
			err:      &APIError{Type: ErrorTypeInvalidRequest, Message: "bad request"},
			expected: "invalid_request: bad request",
		},
		{
			name:     "error with type, code, and message",
			err:      &APIError{Type: ErrorTypeRateLimit, Code: ErrorCodeRateLimitExceeded, Message: "rate limited"},
			expected: "rate_limit (rate_limit_exceeded): rate limited",
		},
		{
			name:     "error with cause",
			err:      ErrStorage("all backends failed").WithCause(errors.New("disk full")),
			expected: "storage_unavailable: all backends failed: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestAPIError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected int
	}{
		{"invalid request", &APIError{Type: ErrorTypeInvalidRequest}, http.StatusBadRequest},
		{"malformed upstream", &APIError{Type: ErrorTypeMalformed}, http.StatusBadRequest},
		{"replay miss", &APIError{Type: ErrorTypeReplayMiss}, http.StatusNotFound},
		{"strict miss", &APIError{Type: ErrorTypeStrictMiss}, http.StatusNotFound},
		{"corrupt", &APIError{Type: ErrorTypeCorrupt}, http.StatusUnprocessableEntity},
		{"mode violation", &APIError{Type: ErrorTypeModeViolation}, http.StatusForbidden},
		{"timeout", &APIError{Type: ErrorTypeTimeout}, http.StatusGatewayTimeout},
		{"rate limit", &APIError{Type: ErrorTypeRateLimit}, http.StatusTooManyRequests},
		{"upstream default", &APIError{Type: ErrorTypeUpstream}, http.StatusBadGateway},
		{"upstream with status", ErrUpstream(http.StatusUnauthorized, "bad key"), http.StatusUnauthorized},
		{"upstream transport", ErrUpstream(0, "connection refused"), http.StatusBadGateway},
		{"storage unavailable", &APIError{Type: ErrorTypeStorageUnavailable}, http.StatusServiceUnavailable},
		{"not found", &APIError{Type: ErrorTypeNotFound}, http.StatusNotFound},
		{"server error", &APIError{Type: ErrorTypeServer}, http.StatusInternalServerError},
		{"unknown error type", &APIError{Type: ErrorType("unknown")}, http.StatusInternalServerError},
		{"explicit status code", &APIError{Type: ErrorTypeInvalidRequest, StatusCode: http.StatusConflict}, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestAPIError_Is(t *testing.T) {
	wrapped := fmt.Errorf("lookup: %w", ErrCorrupt("bad tag").WithCode(ErrorCodeIntegrity))

	if !errors.Is(wrapped, ErrCorruptCassette) {
		t.Error("errors.Is(wrapped, ErrCorruptCassette) = false, want true")
	}
	if errors.Is(wrapped, ErrRecordNotFound) {
		t.Error("corrupt error must not match ErrRecordNotFound")
	}
	if !errors.Is(wrapped, &APIError{Type: ErrorTypeCorrupt, Code: ErrorCodeIntegrity}) {
		t.Error("errors.Is with matching code = false, want true")
	}
	if errors.Is(wrapped, &APIError{Type: ErrorTypeCorrupt, Code: ErrorCodeCircuitOpen}) {
		t.Error("errors.Is with different code = true, want false")
	}
}

func TestAPIError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := ErrStorage("write failed").WithCause(cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name         string
		constructor  func(string) *APIError
		message      string
		expectedType ErrorType
		expectedCode ErrorCode
	}{
		{"ErrInvalidRequest", ErrInvalidRequest, "bad request", ErrorTypeInvalidRequest, ""},
		{"ErrReplayMiss", ErrReplayMiss, "no cassette", ErrorTypeReplayMiss, ""},
		{"ErrStrictMiss", ErrStrictMiss, "no cassette", ErrorTypeStrictMiss, ""},
		{"ErrCorrupt", ErrCorrupt, "bad tag", ErrorTypeCorrupt, ""},
		{"ErrTimeout", ErrTimeout, "deadline exceeded", ErrorTypeTimeout, ""},
		{"ErrRateLimit", ErrRateLimit, "rate limited", ErrorTypeRateLimit, ErrorCodeRateLimitExceeded},
		{"ErrStorage", ErrStorage, "breaker open", ErrorTypeStorageUnavailable, ""},
		{"ErrNotFound", ErrNotFound, "trace not found", ErrorTypeNotFound, ""},
		{"ErrServer", ErrServer, "internal error", ErrorTypeServer, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.constructor(tt.message)
			if err.Type != tt.expectedType {
				t.Errorf("Type = %v, want %v", err.Type, tt.expectedType)
			}
			if err.Code != tt.expectedCode {
				t.Errorf("Code = %v, want %v", err.Code, tt.expectedCode)
			}
			if err.Message != tt.message {
				t.Errorf("Message = %q, want %q", err.Message, tt.message)
			}
		})
	}
}

func TestErrModeForbidsUpstream(t *testing.T) {
	err := ErrModeForbidsUpstream(ModeStrict)
	if !errors.Is(err, ErrModeViolation) {
		t.Fatalf("errors.Is(err, ErrModeViolation) = false for %v", err)
	}
	if err.HTTPStatusCode() != http.StatusForbidden {
		t.Errorf("HTTPStatusCode() = %d, want %d", err.HTTPStatusCode(), http.StatusForbidden)
	}
}

func TestToAPIError(t *testing.T) {
	plain := errors.New("boom")
	if got := ToAPIError(plain); got.Type != ErrorTypeServer {
		t.Errorf("ToAPIError(plain).Type = %v, want %v", got.Type, ErrorTypeServer)
	}

	apiErr := ErrTimeout("slow")
	if got := ToAPIError(fmt.Errorf("call: %w", apiErr)); got != apiErr {
		t.Errorf("ToAPIError(wrapped) = %p, want %p", got, apiErr)
	}

	if !IsType(fmt.Errorf("x: %w", apiErr), ErrorTypeTimeout) {
		t.Error("IsType() = false, want true")
	}
}

func TestAPIError_Chaining(t *testing.T) {
	err := NewAPIError(ErrorTypeMalformed, "test").
		WithCode(ErrorCodeStreamingRequest).
		WithParam("messages").
		WithStatusCode(http.StatusBadRequest).
		WithProvider(ProviderAnthropic)

	if err.Type != ErrorTypeMalformed {
		t.Errorf("Type = %v, want %v", err.Type, ErrorTypeMalformed)
	}
	if err.Code != ErrorCodeStreamingRequest {
		t.Errorf("Code = %v, want %v", err.Code, ErrorCodeStreamingRequest)
	}
	if err.Param != "messages" {
		t.Errorf("Param = %q, want %q", err.Param, "messages")
	}
	if err.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want %d", err.StatusCode, http.StatusBadRequest)
	}
	if err.Provider != ProviderAnthropic {
		t.Errorf("Provider = %v, want %v", err.Provider, ProviderAnthropic)
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range Modes {
		got, err := ParseMode(string(m))
		if err != nil {
			t.Fatalf("ParseMode(%q) error = %v", m, err)
		}
		if got != m {
			t.Errorf("ParseMode(%q) = %q", m, got)
		}
	}
	if got, err := ParseMode(" AUTO "); err != nil || got != ModeAuto {
		t.Errorf("ParseMode(AUTO) = %q, %v", got, err)
	}
	if _, err := ParseMode("live"); !IsType(err, ErrorTypeInvalidRequest) {
		t.Errorf("ParseMode(live) error = %v, want invalid_request", err)
	}
}

func TestParseMatchPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    MatchPolicy
		wantErr bool
	}{
		{"", MatchFuzzy, false},
		{"fuzzy", MatchFuzzy, false},
		{"EXACT", MatchExact, false},
		{"semantic", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMatchPolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseMatchPolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseMatchPolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestModeAllowsUpstream(t *testing.T) {
	want := map[Mode]bool{
		ModeOff:    true,
		ModeRecord: true,
		ModeReplay: false,
		ModeAuto:   true,
		ModeStrict: false,
	}
	for m, w := range want {
		if got := m.AllowsUpstream(); got != w {
			t.Errorf("%s.AllowsUpstream() = %v, want %v", m, got, w)
		}
	}
}
