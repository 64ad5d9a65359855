// Package anthropic provides wire types for the Anthropic Messages API.
// Request and response bodies are decoded field by field by the codec so that
// unknown fields survive; the types here cover streaming and error envelopes.
package anthropic

import (
	"encoding/json"
	"fmt"
)

const (
	// MessagesPath is the native route suffix.
	MessagesPath = "/v1/messages"

	// DefaultVersion is sent as anthropic-version when the caller sets none.
	DefaultVersion = "2023-06-01"

	TypeMessage = "message"
)

// Stream event names.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// Content block delta types.
const (
	DeltaText      = "text_delta"
	DeltaInputJSON = "input_json_delta"
	DeltaThinking  = "thinking_delta"
	DeltaSignature = "signature_delta"
	DeltaCitations = "citations_delta"
)

// StreamEvent is the envelope shared by every stream event.
type StreamEvent struct {
	Type string `json:"type"`
}

// MessageStartEvent is sent at the beginning of a stream.
type MessageStartEvent struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
}

// ContentBlockStartEvent is sent when a content block starts.
type ContentBlockStartEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index"`
	ContentBlock json.RawMessage `json:"content_block"`
}

// ContentBlockDeltaEvent is sent for content deltas.
type ContentBlockDeltaEvent struct {
	Type  string     `json:"type"`
	Index int        `json:"index"`
	Delta BlockDelta `json:"delta"`
}

// BlockDelta represents a content delta.
type BlockDelta struct {
	Type        string          `json:"type"`
	Text        string          `json:"text,omitempty"`
	PartialJSON string          `json:"partial_json,omitempty"`
	Thinking    string          `json:"thinking,omitempty"`
	Signature   string          `json:"signature,omitempty"`
	Citation    json.RawMessage `json:"citation,omitempty"`
}

// ContentBlockStopEvent is sent when a content block ends.
type ContentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// MessageDeltaEvent is sent for message-level changes.
type MessageDeltaEvent struct {
	Type  string          `json:"type"`
	Delta MessageDelta    `json:"delta"`
	Usage json.RawMessage `json:"usage,omitempty"`
}

// MessageDelta contains message-level changes.
type MessageDelta struct {
	StopReason   *string `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// ErrorResponse represents an Anthropic API error response.
type ErrorResponse struct {
	Type  string    `json:"type"`
	Error *APIError `json:"error"`
}

// APIError contains error details.
type APIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ParseErrorResponse attempts to parse an error response from JSON.
func ParseErrorResponse(data []byte) (*APIError, error) {
	var errResp ErrorResponse
	if err := json.Unmarshal(data, &errResp); err != nil {
		return nil, err
	}
	return errResp.Error, nil
}
