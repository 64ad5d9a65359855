package domain

import (
	"time"
)

// TraceSchemaVersion is written into every trace record.
const TraceSchemaVersion = "1"

// Source identifies where a response came from.
type Source string

const (
	SourceCassette Source = "cassette"
	SourceUpstream Source = "upstream"
	SourceNone     Source = "none"
)

// TraceRecord is the audit artifact for a single proxied call. It is written
// once and never updated.
type TraceRecord struct {
	// SchemaVersion identifies the record layout
	SchemaVersion string `json:"schema_version"`

	// ID uniquely identifies this record
	ID string `json:"id"`

	// Timestamp is when the call was received
	Timestamp time.Time `json:"timestamp"`

	// Endpoint is the inbound route path
	Endpoint string `json:"endpoint"`

	Provider Provider `json:"provider"`
	Mode     Mode     `json:"mode"`

	// Source records whether the response was replayed or fetched
	Source Source `json:"source"`

	// Signature is the cassette key computed for the request
	Signature string `json:"signature,omitempty"`

	// Request is the redacted canonical request
	Request *CanonicalRequest `json:"request"`

	// Response is the redacted canonical response, nil when the call failed
	Response *CanonicalResponse `json:"response"`

	Metadata TraceMetadata `json:"metadata"`

	// Session linkage, stored and returned verbatim
	SessionID     string         `json:"session_id,omitempty"`
	StepIndex     *int           `json:"step_index,omitempty"`
	ParentStepID  string         `json:"parent_step_id,omitempty"`
	StateSnapshot map[string]any `json:"state_snapshot,omitempty"`
}

// TraceMetadata holds latency and accounting details for a trace.
type TraceMetadata struct {
	DurationMS int64 `json:"duration_ms"`

	// TokensUsed is the total token count reported upstream, or estimated
	// locally when TokensEstimated is set
	TokensUsed      *int `json:"tokens_used,omitempty"`
	TokensEstimated bool `json:"tokens_estimated,omitempty"`

	Model  string `json:"model,omitempty"`
	Status int    `json:"status"`

	Error *TraceError `json:"error,omitempty"`
}

// TraceError is the serialized form of an APIError on a trace.
type TraceError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// NewTraceError converts err into its trace form.
func NewTraceError(err error) *TraceError {
	if err == nil {
		return nil
	}
	apiErr := ToAPIError(err)
	return &TraceError{
		Type:    string(apiErr.Type),
		Code:    string(apiErr.Code),
		Message: apiErr.Message,
	}
}

// NewTraceRecord creates a trace with the schema version and timestamp set.
func NewTraceRecord(id string, now time.Time) *TraceRecord {
	return &TraceRecord{
		SchemaVersion: TraceSchemaVersion,
		ID:            id,
		Timestamp:     now.UTC(),
		Source:        SourceNone,
	}
}

// TraceFilter narrows ListTraces results. Zero values match everything.
type TraceFilter struct {
	Provider  Provider
	SessionID string
	Signature string
	Since     time.Time
	Until     time.Time

	// Limit caps the number of results; zero means unlimited
	Limit int
}

// Matches reports whether r satisfies the filter.
func (f TraceFilter) Matches(r *TraceRecord) bool {
	if r == nil {
		return false
	}
	if f.Provider != "" && r.Provider != f.Provider {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if f.Signature != "" && r.Signature != f.Signature {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !r.Timestamp.Before(f.Until) {
		return false
	}
	return true
}
