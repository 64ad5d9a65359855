// Package cassette persists recorded exchanges keyed by provider and request
// signature.
package cassette

import (
	"context"
	"time"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
)

// FormatVersion identifies the cassette file layout.
const FormatVersion = "1"

// Cassette is one recorded exchange. Request and Response are stored redacted.
type Cassette struct {
	FormatVersion string                    `json:"format_version"`
	Provider      domain.Provider           `json:"provider"`
	Signature     string                    `json:"signature"`
	MatchPolicy   domain.MatchPolicy        `json:"match_policy"`
	Request       *domain.CanonicalRequest  `json:"request"`
	Response      *domain.CanonicalResponse `json:"response"`
	RecordedAt    time.Time                 `json:"recorded_at"`

	// IntegrityTag is "hmac-sha256:<hex>" over the compact JSON of the
	// cassette with this field cleared. Absent when no secret is configured.
	IntegrityTag string `json:"integrity_tag,omitempty"`
}

// New builds a cassette for an exchange recorded now.
func New(sig string, policy domain.MatchPolicy, req *domain.CanonicalRequest, resp *domain.CanonicalResponse, now time.Time) *Cassette {
	c := &Cassette{
		FormatVersion: FormatVersion,
		Signature:     sig,
		MatchPolicy:   policy,
		Request:       req,
		Response:      resp,
		RecordedAt:    now.UTC(),
	}
	if req != nil {
		c.Provider = req.Provider
	}
	return c
}

// Store is the cassette persistence contract used by the replay controller.
type Store interface {
	// Find loads the cassette for (provider, sig). A missing cassette matches
	// domain.ErrRecordNotFound; an unreadable or tampered one matches
	// domain.ErrCorruptCassette.
	Find(ctx context.Context, provider domain.Provider, sig string) (*Cassette, error)

	// Save writes c, fully replacing any previous cassette for the same key.
	Save(ctx context.Context, c *Cassette) error

	// Delete removes the cassette for (provider, sig).
	Delete(ctx context.Context, provider domain.Provider, sig string) error

	// List returns the signatures stored for provider, sorted.
	List(ctx context.Context, provider domain.Provider) ([]string, error)

	// Verify checks every cassette of provider (all providers when empty).
	Verify(ctx context.Context, provider domain.Provider) ([]VerifyResult, error)
}

// VerifyResult is the outcome of checking one cassette file.
type VerifyResult struct {
	Provider  domain.Provider
	Signature string
	Path      string

	// Tagged reports whether the file carries an integrity tag.
	Tagged bool

	// Err is nil when the cassette decoded and its tag (if any) verified.
	Err error
}
