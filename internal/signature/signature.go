// Package signature derives the cassette key for a canonical request.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
)

// FormatVersion is mixed into every digest. Bump it when the signed field set
// or its encoding changes so old cassettes miss instead of matching wrongly.
const FormatVersion = "vcr-sig/1"

// Size is the length of a signature in hex characters.
const Size = sha256.Size * 2

// Signature is a hex-encoded SHA-256 digest.
type Signature string

func (s Signature) String() string { return string(s) }

// Short returns an abbreviated form for logs.
func (s Signature) Short() string {
	if len(s) < 12 {
		return string(s)
	}
	return string(s[:12])
}

// Valid reports whether s has the shape of a signature.
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// signed is the digest input. Field order is fixed by the struct; map keys are
// sorted by CanonicalJSON.
type signed struct {
	Version    string                  `json:"version"`
	Policy     domain.MatchPolicy      `json:"policy"`
	Provider   domain.Provider         `json:"provider"`
	Model      string                  `json:"model"`
	Messages   []domain.Message        `json:"messages"`
	Tools      []domain.ToolDefinition `json:"tools,omitempty"`
	Parameters map[string]any          `json:"parameters,omitempty"`
	Stream     *bool                   `json:"stream,omitempty"`
}

// Sign computes the signature of req under policy.
//
// exact signs every canonical field. fuzzy signs provider, model, messages and
// tools, so requests differing only in sampling or formatting parameters share
// a cassette.
func Sign(req *domain.CanonicalRequest, policy domain.MatchPolicy) (Signature, error) {
	if req == nil {
		return "", domain.ErrInvalidRequest("nil request")
	}

	in := signed{
		Version:  FormatVersion,
		Policy:   policy,
		Provider: req.Provider,
		Model:    req.Model,
		Messages: req.Messages,
		Tools:    req.Tools,
	}
	if in.Messages == nil {
		in.Messages = []domain.Message{}
	}

	switch policy {
	case domain.MatchExact:
		in.Parameters = req.Parameters
		stream := req.Stream
		in.Stream = &stream
	case domain.MatchFuzzy:
	default:
		return "", domain.ErrInvalidRequest(fmt.Sprintf("unknown match policy %q", policy)).
			WithParam("match_policy")
	}

	data, err := CanonicalJSON(in)
	if err != nil {
		return "", fmt.Errorf("encode signature input: %w", err)
	}
	sum := sha256.Sum256(data)
	return Signature(hex.EncodeToString(sum[:])), nil
}
