package domain

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Provider identifies an upstream wire format.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic:
		return true
	}
	return false
}

// ParseProvider normalizes a provider name.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", ErrInvalidRequest("unknown provider: " + s)
	}
	return p, nil
}

// ContentPart is a single block of message content (Anthropic content blocks,
// tool_use and tool_result blocks). Text-only messages leave Parts empty.
type ContentPart struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// tool_use
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// image and other sources
	Source any `json:"source,omitempty"`

	// thinking blocks
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// Extra carries provider fields with no canonical slot, verbatim.
	Extra map[string]any `json:"extra,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`

	// Parts holds structured content in its original order. When set, Content
	// is the concatenation of the text parts.
	Parts []ContentPart `json:"parts,omitempty"`

	// ToolCalls for assistant messages that invoke tools (OpenAI style)
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID for tool messages providing results (OpenAI style)
	ToolCallID string `json:"tool_call_id,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// ToolCall represents a tool call made by the assistant.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"` // "function"
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction represents the function details in a tool call.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

// ToolDefinition represents a tool that the model can call.
type ToolDefinition struct {
	Type        string `json:"type,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"` // JSON Schema

	Extra map[string]any `json:"extra,omitempty"`
}

// CanonicalRequest is the provider-agnostic form of an outbound call.
//
// Parameters carries every non-structural request key verbatim (temperature,
// max_tokens, stop, metadata, ...), so encoding back to the wire format is lossless.
type CanonicalRequest struct {
	Provider   Provider         `json:"provider"`
	Model      string           `json:"model"`
	Messages   []Message        `json:"messages"`
	Tools      []ToolDefinition `json:"tools,omitempty"`
	Parameters map[string]any   `json:"parameters,omitempty"`
	Stream     bool             `json:"stream,omitempty"`

	// Headers holds caller headers relevant for upstream auth and versioning.
	// Never signed and never persisted.
	Headers http.Header `json:"-"`

	// Endpoint is the inbound route path, recorded on trace records.
	Endpoint string `json:"-"`
}

// Clone returns a deep copy of the request. Transport fields are copied shallowly.
func (r *CanonicalRequest) Clone() *CanonicalRequest {
	if r == nil {
		return nil
	}
	out := &CanonicalRequest{}
	if data, err := json.Marshal(r); err == nil {
		_ = UnmarshalJSON(data, out)
	}
	out.Headers = r.Headers.Clone()
	out.Endpoint = r.Endpoint
	return out
}

// Usage represents token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	Extra map[string]any `json:"extra,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`

	Extra map[string]any `json:"extra,omitempty"`
}

// ResponseBody is the normalized body of a completion.
type ResponseBody struct {
	ID           string   `json:"id"`
	Object       string   `json:"object,omitempty"`
	Created      int64    `json:"created,omitempty"`
	Model        string   `json:"model"`
	Choices      []Choice `json:"choices"`
	Usage        *Usage   `json:"usage,omitempty"`
	StopSequence *string  `json:"stop_sequence,omitempty"`

	// Extra carries provider fields with no canonical slot (system_fingerprint,
	// service_tier, ...), verbatim.
	Extra map[string]any `json:"extra,omitempty"`
}

// FinishReason returns the finish reason of the first choice.
func (b *ResponseBody) FinishReason() string {
	if b == nil || len(b.Choices) == 0 {
		return ""
	}
	return b.Choices[0].FinishReason
}

// StreamChunk is one SSE frame of a streamed upstream response.
type StreamChunk struct {
	Event   string `json:"event,omitempty"`
	Data    string `json:"data"`
	DelayMS int64  `json:"delay_ms"`
}

// CanonicalResponse is the provider-agnostic form of a completed call.
type CanonicalResponse struct {
	StatusCode int               `json:"status"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       ResponseBody      `json:"body"`

	// Chunks is set only for streamed responses.
	Chunks []StreamChunk `json:"chunks,omitempty"`
}

// Streamed reports whether the response was produced by a streaming call.
func (r *CanonicalResponse) Streamed() bool {
	return r != nil && len(r.Chunks) > 0
}

// Clone returns a deep copy of the response.
func (r *CanonicalResponse) Clone() *CanonicalResponse {
	if r == nil {
		return nil
	}
	out := &CanonicalResponse{}
	if data, err := json.Marshal(r); err == nil {
		_ = UnmarshalJSON(data, out)
	}
	return out
}
