// Package redact strips secrets and personal data from payloads before they
// are persisted.
package redact

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
)

// Options configures a Redactor.
type Options struct {
	// Enabled turns on pattern rules. The field denylist applies regardless.
	Enabled bool

	// FieldDenylist adds keys to DefaultFieldDenylist.
	FieldDenylist []string

	// Patterns are appended after the built-in rules.
	Patterns []PatternConfig
}

// Redactor replaces sensitive values with Sentinel. It holds no mutable state
// and is safe for concurrent use.
type Redactor struct {
	fields map[string]struct{}
	rules  []Rule
}

// New builds a Redactor from opts.
func New(opts Options) (*Redactor, error) {
	r := &Redactor{fields: make(map[string]struct{})}
	for _, k := range DefaultFieldDenylist {
		r.fields[normalizeKey(k)] = struct{}{}
	}
	for _, k := range opts.FieldDenylist {
		r.fields[normalizeKey(k)] = struct{}{}
	}
	if !opts.Enabled {
		return r, nil
	}

	custom, err := CompileRules(opts.Patterns)
	if err != nil {
		return nil, err
	}
	r.rules = append(DefaultRules(), custom...)
	return r, nil
}

// Default returns a Redactor with the built-in denylist and rules.
func Default() *Redactor {
	r, _ := New(Options{Enabled: true})
	return r
}

// Redact returns a redacted copy of a JSON-shaped value: maps with string
// keys, slices, strings and scalars. Other types are returned unchanged.
func (r *Redactor) Redact(v any) any {
	if r == nil {
		return v
	}
	return r.walk(v)
}

// String applies the pattern rules to s.
func (r *Redactor) String(s string) string {
	if r == nil || s == "" {
		return s
	}
	if embedded, ok := r.embeddedJSON(s); ok {
		return embedded
	}
	for _, rule := range r.rules {
		s = rule.Pattern.ReplaceAllLiteralString(s, Sentinel)
	}
	return s
}

// DeniedField reports whether values under key are always redacted.
func (r *Redactor) DeniedField(key string) bool {
	if r == nil {
		return false
	}
	_, ok := r.fields[normalizeKey(key)]
	return ok
}

func (r *Redactor) walk(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if r.DeniedField(k) && item != nil {
				out[k] = Sentinel
				continue
			}
			out[k] = r.walk(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.walk(item)
		}
		return out
	case string:
		return r.String(val)
	default:
		return v
	}
}

// embeddedJSON handles strings that are themselves JSON documents (tool call
// arguments, stream frame data) so denied keys inside them are caught too.
// The string is re-encoded only when something inside it changed.
func (r *Redactor) embeddedJSON(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < 2 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return "", false
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil || dec.More() {
		return "", false
	}

	redacted := r.walk(doc)
	before, err1 := json.Marshal(doc)
	after, err2 := json.Marshal(redacted)
	if err1 != nil || err2 != nil {
		return "", false
	}
	if bytes.Equal(before, after) {
		return s, true
	}
	return string(after), true
}

// RedactRequest returns a redacted deep copy of req. Transport headers are
// dropped from the copy.
func (r *Redactor) RedactRequest(req *domain.CanonicalRequest) *domain.CanonicalRequest {
	if req == nil {
		return nil
	}
	out := &domain.CanonicalRequest{}
	if !r.roundTrip(req, out) {
		out = &domain.CanonicalRequest{Provider: req.Provider, Model: req.Model, Stream: req.Stream}
	}
	out.Endpoint = req.Endpoint
	return out
}

// RedactResponse returns a redacted deep copy of resp.
func (r *Redactor) RedactResponse(resp *domain.CanonicalResponse) *domain.CanonicalResponse {
	if resp == nil {
		return nil
	}
	out := &domain.CanonicalResponse{}
	if !r.roundTrip(resp, out) {
		out = &domain.CanonicalResponse{StatusCode: resp.StatusCode}
	}
	return out
}

// RedactTrace returns a copy of rec with its payload fields redacted. IDs,
// signatures and timestamps are left alone.
func (r *Redactor) RedactTrace(rec *domain.TraceRecord) *domain.TraceRecord {
	if rec == nil {
		return nil
	}
	out := *rec
	out.Request = r.RedactRequest(rec.Request)
	out.Response = r.RedactResponse(rec.Response)
	if rec.Metadata.Error != nil {
		e := *rec.Metadata.Error
		e.Message = r.String(e.Message)
		out.Metadata.Error = &e
	}
	if rec.StateSnapshot != nil {
		if snap, ok := r.Redact(toJSONValue(rec.StateSnapshot)).(map[string]any); ok {
			out.StateSnapshot = snap
		} else {
			out.StateSnapshot = nil
		}
	}
	return &out
}

// roundTrip encodes src to generic JSON, redacts it and decodes into dst.
// Any failure reports false and the caller substitutes a minimal value, so
// unredacted content never escapes.
func (r *Redactor) roundTrip(src, dst any) bool {
	data, err := json.Marshal(src)
	if err != nil {
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return false
	}
	clean, err := json.Marshal(r.Redact(generic))
	if err != nil {
		return false
	}
	return domain.UnmarshalJSON(clean, dst) == nil
}

func toJSONValue(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil
	}
	return out
}
