package signature

import (
	"errors"
	"testing"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
)

func baseRequest() *domain.CanonicalRequest {
	return &domain.CanonicalRequest{
		Provider: domain.ProviderOpenAI,
		Model:    "gpt-4",
		Messages: []domain.Message{{Role: "user", Content: "2+2?"}},
		Tools: []domain.ToolDefinition{{
			Type:       "function",
			Name:       "calc",
			Parameters: map[string]any{"type": "object"},
		}},
		Parameters: map[string]any{"temperature": 0.7, "max_tokens": 64},
	}
}

func sign(t *testing.T, req *domain.CanonicalRequest, policy domain.MatchPolicy) Signature {
	t.Helper()
	sig, err := Sign(req, policy)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	return sig
}

func TestSign_Shape(t *testing.T) {
	sig := sign(t, baseRequest(), domain.MatchFuzzy)
	if !Valid(string(sig)) {
		t.Fatalf("Sign() = %q, not a valid signature", sig)
	}
	if got := sig.Short(); len(got) != 12 {
		t.Errorf("Short() = %q, want 12 chars", got)
	}
}

func TestSign_Deterministic(t *testing.T) {
	a := sign(t, baseRequest(), domain.MatchExact)
	b := sign(t, baseRequest(), domain.MatchExact)
	if a != b {
		t.Errorf("Sign() not deterministic: %s != %s", a, b)
	}
}

func TestSign_MapOrderIndependent(t *testing.T) {
	r1 := baseRequest()
	r1.Parameters = map[string]any{"a": 1, "b": 2, "c": map[string]any{"x": 1, "y": 2}}
	r2 := baseRequest()
	r2.Parameters = map[string]any{"c": map[string]any{"y": 2, "x": 1}, "b": 2, "a": 1}

	if sign(t, r1, domain.MatchExact) != sign(t, r2, domain.MatchExact) {
		t.Error("signature depends on map insertion order")
	}
}

func TestSign_FuzzyIgnoresParameters(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *domain.CanonicalRequest)
	}{
		{"temperature changed", func(r *domain.CanonicalRequest) { r.Parameters["temperature"] = 0 }},
		{"max_tokens removed", func(r *domain.CanonicalRequest) { delete(r.Parameters, "max_tokens") }},
		{"parameters nil", func(r *domain.CanonicalRequest) { r.Parameters = nil }},
		{"new parameter", func(r *domain.CanonicalRequest) { r.Parameters["seed"] = 42 }},
		{"stream toggled", func(r *domain.CanonicalRequest) { r.Stream = true }},
		{"transport headers", func(r *domain.CanonicalRequest) { r.Headers = map[string][]string{"Authorization": {"Bearer x"}} }},
	}

	want := sign(t, baseRequest(), domain.MatchFuzzy)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := baseRequest()
			tt.mutate(r)
			if got := sign(t, r, domain.MatchFuzzy); got != want {
				t.Errorf("Sign(fuzzy) = %s, want %s", got, want)
			}
		})
	}
}

func TestSign_ExactSensitiveToEveryField(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *domain.CanonicalRequest)
	}{
		{"provider", func(r *domain.CanonicalRequest) { r.Provider = domain.ProviderAnthropic }},
		{"model", func(r *domain.CanonicalRequest) { r.Model = "gpt-4o" }},
		{"message content", func(r *domain.CanonicalRequest) { r.Messages[0].Content = "3+3?" }},
		{"message role", func(r *domain.CanonicalRequest) { r.Messages[0].Role = "system" }},
		{"extra message", func(r *domain.CanonicalRequest) {
			r.Messages = append(r.Messages, domain.Message{Role: "assistant", Content: "4"})
		}},
		{"tool name", func(r *domain.CanonicalRequest) { r.Tools[0].Name = "calculator" }},
		{"tools removed", func(r *domain.CanonicalRequest) { r.Tools = nil }},
		{"temperature", func(r *domain.CanonicalRequest) { r.Parameters["temperature"] = 0 }},
		{"new parameter", func(r *domain.CanonicalRequest) { r.Parameters["seed"] = 42 }},
		{"stream", func(r *domain.CanonicalRequest) { r.Stream = true }},
	}

	base := sign(t, baseRequest(), domain.MatchExact)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := baseRequest()
			tt.mutate(r)
			if got := sign(t, r, domain.MatchExact); got == base {
				t.Errorf("Sign(exact) unchanged after mutating %s", tt.name)
			}
		})
	}
}

func TestSign_FuzzySensitiveToSignedFields(t *testing.T) {
	base := sign(t, baseRequest(), domain.MatchFuzzy)

	r := baseRequest()
	r.Messages[0].Content = "3+3?"
	if sign(t, r, domain.MatchFuzzy) == base {
		t.Error("fuzzy signature ignored message content")
	}

	r = baseRequest()
	r.Model = "gpt-3.5-turbo"
	if sign(t, r, domain.MatchFuzzy) == base {
		t.Error("fuzzy signature ignored model")
	}
}

func TestSign_PoliciesDiffer(t *testing.T) {
	if sign(t, baseRequest(), domain.MatchExact) == sign(t, baseRequest(), domain.MatchFuzzy) {
		t.Error("exact and fuzzy signatures should be domain separated")
	}
}

func TestSign_UnknownPolicy(t *testing.T) {
	_, err := Sign(baseRequest(), domain.MatchPolicy("semantic"))
	if !errors.Is(err, &domain.APIError{Type: domain.ErrorTypeInvalidRequest}) {
		t.Fatalf("Sign() error = %v, want invalid_request", err)
	}
}

func TestSign_KnownVector(t *testing.T) {
	// Pins the digest so accidental changes to the signed encoding are caught.
	req := &domain.CanonicalRequest{
		Provider: domain.ProviderOpenAI,
		Model:    "gpt-4",
		Messages: []domain.Message{{Role: "user", Content: "2+2?"}},
	}
	data, err := CanonicalJSON(signed{
		Version:  FormatVersion,
		Policy:   domain.MatchFuzzy,
		Provider: req.Provider,
		Model:    req.Model,
		Messages: req.Messages,
	})
	if err != nil {
		t.Fatalf("CanonicalJSON() error = %v", err)
	}
	want := `{"messages":[{"content":"2+2?","role":"user"}],"model":"gpt-4","policy":"fuzzy","provider":"openai","version":"vcr-sig/1"}`
	if string(data) != want {
		t.Errorf("CanonicalJSON() = %s\nwant %s", data, want)
	}
}

func TestCanonicalJSON_PreservesNumbers(t *testing.T) {
	data, err := CanonicalJSON(map[string]any{"big": int64(9007199254740993), "f": 0.1})
	if err != nil {
		t.Fatalf("CanonicalJSON() error = %v", err)
	}
	if string(data) != `{"big":9007199254740993,"f":0.1}` {
		t.Errorf("CanonicalJSON() = %s", data)
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", false},
		{"abc", false},
		{"0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", true},
		{"0123456789ABCDEF0123456789abcdef0123456789abcdef0123456789abcdef", false},
		{"../../../../etc/passwd0123456789abcdef0123456789abcdef0123456789", false},
	}
	for _, tt := range tests {
		if got := Valid(tt.in); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
