// Package anthropic provides a codec for converting between Anthropic API format and canonical format.
package anthropic

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/api/anthropic"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/pkg/codec"
)

// Codec implements codec.Codec for Anthropic API format.
type Codec struct{}

var _ codec.Codec = (*Codec)(nil)

// New creates a new Anthropic codec.
func New() *Codec {
	return &Codec{}
}

// Provider returns the provider this codec speaks for.
func (c *Codec) Provider() domain.Provider {
	return domain.ProviderAnthropic
}

// Route returns the native route suffix.
func (c *Codec) Route() string {
	return anthropic.MessagesPath
}

func malformed(what string, err error) *domain.APIError {
	return codec.Malformed(domain.ProviderAnthropic, what, err)
}

// DecodeRequest converts Anthropic API request JSON to canonical format.
//
// The top-level system prompt becomes a leading system message. Every key other
// than model, system, messages, tools and stream lands in Parameters verbatim.
func (c *Codec) DecodeRequest(data []byte) (*domain.CanonicalRequest, error) {
	obj, err := codec.DecodeObject(data)
	if err != nil {
		return nil, malformed("decode request", err)
	}

	req := &domain.CanonicalRequest{Provider: domain.ProviderAnthropic}
	if err := obj.Take("model", &req.Model); err != nil {
		return nil, malformed("decode request", err)
	}
	if req.Model == "" {
		return nil, malformed("model is required", nil)
	}
	if !obj.Has("messages") {
		return nil, malformed("messages is required", nil)
	}

	if raw, ok := obj.TakeRaw("system"); ok && string(raw) != "null" {
		sys, err := decodeSystem(raw)
		if err != nil {
			return nil, malformed("decode system", err)
		}
		req.Messages = append(req.Messages, sys)
	}

	var rawMessages []json.RawMessage
	if err := obj.Take("messages", &rawMessages); err != nil {
		return nil, malformed("decode request", err)
	}
	for _, raw := range rawMessages {
		msg, err := decodeMessage(raw)
		if err != nil {
			return nil, malformed("decode message", err)
		}
		if msg.Role == "system" {
			return nil, malformed("decode message", errors.New("system role is not allowed in messages")).
				WithParam("messages")
		}
		req.Messages = append(req.Messages, msg)
	}

	var rawTools []json.RawMessage
	if err := obj.Take("tools", &rawTools); err != nil {
		return nil, malformed("decode request", err)
	}
	for _, raw := range rawTools {
		tool, err := decodeTool(raw)
		if err != nil {
			return nil, malformed("decode tool", err)
		}
		req.Tools = append(req.Tools, tool)
	}

	if err := obj.Take("stream", &req.Stream); err != nil {
		return nil, malformed("decode request", err)
	}

	if req.Parameters, err = obj.Rest(); err != nil {
		return nil, malformed("decode request", err)
	}
	return req, nil
}

// EncodeRequest converts canonical request to Anthropic API request JSON.
func (c *Codec) EncodeRequest(req *domain.CanonicalRequest) ([]byte, error) {
	if req == nil {
		return nil, malformed("nil request", nil)
	}

	var system []domain.Message
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m)
			continue
		}
		messages = append(messages, encodeMessage(m))
	}

	known := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if s := encodeSystem(system); s != nil {
		known["system"] = s
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = encodeTool(t)
		}
		known["tools"] = tools
	}
	if req.Stream {
		known["stream"] = true
	}
	return json.Marshal(codec.Merge(known, req.Parameters))
}

// DecodeResponse converts Anthropic API response JSON to a canonical body.
func (c *Codec) DecodeResponse(data []byte) (*domain.ResponseBody, error) {
	body, err := decodeBody(data)
	if err != nil {
		return nil, malformed("decode response", err)
	}
	return body, nil
}

// EncodeResponse converts canonical response to Anthropic API response JSON.
func (c *Codec) EncodeResponse(resp *domain.CanonicalResponse) ([]byte, error) {
	if resp == nil {
		return nil, malformed("nil response", nil)
	}
	return json.Marshal(encodeBody(&resp.Body))
}

// decodeBody maps a message object onto a single-choice body. It is shared
// with the stream accumulator, which receives the same shape in message_start.
func decodeBody(data []byte) (*domain.ResponseBody, error) {
	obj, err := codec.DecodeObject(data)
	if err != nil {
		return nil, err
	}

	body := &domain.ResponseBody{}
	choice := domain.Choice{}
	var stopReason *string
	if err := errors.Join(
		obj.Take("id", &body.ID),
		obj.Take("type", &body.Object),
		obj.Take("model", &body.Model),
		obj.Take("role", &choice.Message.Role),
		obj.Take("stop_reason", &stopReason),
		obj.Take("stop_sequence", &body.StopSequence),
	); err != nil {
		return nil, err
	}
	if stopReason != nil {
		choice.FinishReason = *stopReason
	}

	if raw, ok := obj.TakeRaw("content"); ok && string(raw) != "null" {
		parts, text, err := decodeBlocks(raw)
		if err != nil {
			return nil, err
		}
		choice.Message.Parts = parts
		choice.Message.Content = text
	}

	if raw, ok := obj.TakeRaw("usage"); ok && string(raw) != "null" {
		usage := &domain.Usage{}
		if err := mergeUsage(usage, raw); err != nil {
			return nil, err
		}
		body.Usage = usage
	}

	if body.Extra, err = obj.Rest(); err != nil {
		return nil, err
	}
	body.Choices = []domain.Choice{choice}
	return body, nil
}

func encodeBody(b *domain.ResponseBody) map[string]any {
	object := b.Object
	if object == "" {
		object = anthropic.TypeMessage
	}
	known := map[string]any{
		"id":            b.ID,
		"type":          object,
		"role":          "assistant",
		"model":         b.Model,
		"content":       []map[string]any{},
		"stop_reason":   nil,
		"stop_sequence": nil,
	}
	if b.StopSequence != nil {
		known["stop_sequence"] = *b.StopSequence
	}
	if len(b.Choices) > 0 {
		ch := b.Choices[0]
		if ch.Message.Role != "" {
			known["role"] = ch.Message.Role
		}
		if ch.FinishReason != "" {
			known["stop_reason"] = ch.FinishReason
		}
		known["content"] = responseBlocks(ch.Message)
	}
	if b.Usage != nil {
		known["usage"] = codec.Merge(map[string]any{
			"input_tokens":  b.Usage.PromptTokens,
			"output_tokens": b.Usage.CompletionTokens,
		}, b.Usage.Extra)
	}
	return codec.Merge(known, b.Extra)
}

// responseBlocks renders message content as blocks. Messages produced by
// another codec carry plain content and tool calls instead of parts.
func responseBlocks(m domain.Message) []map[string]any {
	if m.Parts != nil {
		return encodeBlocks(m.Parts)
	}
	blocks := make([]map[string]any, 0, 1+len(m.ToolCalls))
	if m.Content != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": m.Content})
	}
	for _, tc := range m.ToolCalls {
		var input any = map[string]any{}
		if tc.Function.Arguments != "" {
			_ = domain.UnmarshalJSON([]byte(tc.Function.Arguments), &input)
		}
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Function.Name,
			"input": input,
		})
	}
	return blocks
}

// mergeUsage overlays a usage object onto u. message_delta usage arrives
// after message_start usage, so later values win.
func mergeUsage(u *domain.Usage, raw json.RawMessage) error {
	obj, err := codec.DecodeObject(raw)
	if err != nil {
		return err
	}
	if err := errors.Join(
		obj.Take("input_tokens", &u.PromptTokens),
		obj.Take("output_tokens", &u.CompletionTokens),
	); err != nil {
		return err
	}
	rest, err := obj.Rest()
	if err != nil {
		return err
	}
	if len(rest) > 0 && u.Extra == nil {
		u.Extra = make(map[string]any, len(rest))
	}
	for k, v := range rest {
		u.Extra[k] = v
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return nil
}

// decodeSystem accepts the string form and the array-of-text-blocks form.
func decodeSystem(raw json.RawMessage) (domain.Message, error) {
	msg := domain.Message{Role: "system"}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		msg.Content = s
		return msg, nil
	}
	parts, text, err := decodeBlocks(raw)
	if err != nil {
		return msg, errors.New("system must be a string or an array of blocks")
	}
	msg.Parts = parts
	msg.Content = text
	return msg, nil
}

// encodeSystem emits the string form for a single plain system message and
// blocks otherwise.
func encodeSystem(system []domain.Message) any {
	switch {
	case len(system) == 0:
		return nil
	case len(system) == 1 && system[0].Parts == nil:
		return system[0].Content
	}
	var blocks []map[string]any
	for _, m := range system {
		if m.Parts != nil {
			blocks = append(blocks, encodeBlocks(m.Parts)...)
			continue
		}
		blocks = append(blocks, map[string]any{"type": "text", "text": m.Content})
	}
	return blocks
}

func decodeMessage(raw json.RawMessage) (domain.Message, error) {
	var m domain.Message
	obj, err := codec.DecodeObject(raw)
	if err != nil {
		return m, err
	}
	if err := obj.Take("role", &m.Role); err != nil {
		return m, err
	}
	if m.Role == "" {
		return m, errors.New("message role is required")
	}

	rawContent, ok := obj.TakeRaw("content")
	if !ok || string(rawContent) == "null" {
		return m, errors.New("message content is required")
	}
	var s string
	if err := json.Unmarshal(rawContent, &s); err == nil {
		m.Content = s
	} else {
		if m.Parts, m.Content, err = decodeBlocks(rawContent); err != nil {
			return m, err
		}
	}

	m.Extra, err = obj.Rest()
	return m, err
}

func encodeMessage(m domain.Message) map[string]any {
	known := map[string]any{"role": m.Role}
	if m.Parts != nil {
		known["content"] = encodeBlocks(m.Parts)
	} else {
		known["content"] = m.Content
	}
	return codec.Merge(known, m.Extra)
}

// decodeBlocks decodes a content block array, returning the parts in order
// and the concatenation of their text.
func decodeBlocks(raw json.RawMessage) ([]domain.ContentPart, string, error) {
	var rawBlocks []json.RawMessage
	if err := json.Unmarshal(raw, &rawBlocks); err != nil {
		return nil, "", errors.New("content must be a string or an array of blocks")
	}
	parts := make([]domain.ContentPart, 0, len(rawBlocks))
	var text strings.Builder
	for _, rb := range rawBlocks {
		part, err := decodeBlock(rb)
		if err != nil {
			return nil, "", err
		}
		if part.Type == "text" {
			text.WriteString(part.Text)
		}
		parts = append(parts, part)
	}
	return parts, text.String(), nil
}

func decodeBlock(raw json.RawMessage) (domain.ContentPart, error) {
	var p domain.ContentPart
	obj, err := codec.DecodeObject(raw)
	if err != nil {
		return p, err
	}
	if err := obj.Take("type", &p.Type); err != nil {
		return p, err
	}
	if p.Type == "" {
		return p, errors.New("content block type is required")
	}

	switch p.Type {
	case "text":
		err = obj.Take("text", &p.Text)
	case "tool_use", "server_tool_use":
		err = errors.Join(
			obj.Take("id", &p.ID),
			obj.Take("name", &p.Name),
			obj.Take("input", &p.Input),
		)
	case "tool_result":
		err = errors.Join(
			obj.Take("tool_use_id", &p.ToolUseID),
			obj.Take("content", &p.Content),
		)
		// An explicit false stays in Extra so it is re-emitted.
		if raw, ok := obj["is_error"]; ok && strings.TrimSpace(string(raw)) == "true" {
			delete(obj, "is_error")
			p.IsError = true
		}
	case "image", "document":
		err = obj.Take("source", &p.Source)
	case "thinking":
		err = errors.Join(
			obj.Take("thinking", &p.Thinking),
			obj.Take("signature", &p.Signature),
		)
	}
	if err != nil {
		return p, err
	}

	p.Extra, err = obj.Rest()
	return p, err
}

func encodeBlocks(parts []domain.ContentPart) []map[string]any {
	blocks := make([]map[string]any, len(parts))
	for i, p := range parts {
		blocks[i] = encodeBlock(p)
	}
	return blocks
}

func encodeBlock(p domain.ContentPart) map[string]any {
	known := map[string]any{"type": p.Type}
	switch p.Type {
	case "text":
		known["text"] = p.Text
	case "tool_use", "server_tool_use":
		known["id"] = p.ID
		known["name"] = p.Name
		input := p.Input
		if input == nil {
			input = map[string]any{}
		}
		known["input"] = input
	case "tool_result":
		known["tool_use_id"] = p.ToolUseID
		if p.Content != nil {
			known["content"] = p.Content
		}
		if p.IsError {
			known["is_error"] = true
		}
	case "image", "document":
		if p.Source != nil {
			known["source"] = p.Source
		}
	case "thinking":
		known["thinking"] = p.Thinking
		known["signature"] = p.Signature
	}
	return codec.Merge(known, p.Extra)
}

// decodeTool maps {name, description, input_schema} onto the canonical tool.
// Server tools carry a type and no schema.
func decodeTool(raw json.RawMessage) (domain.ToolDefinition, error) {
	var t domain.ToolDefinition
	obj, err := codec.DecodeObject(raw)
	if err != nil {
		return t, err
	}
	if err := errors.Join(
		obj.Take("type", &t.Type),
		obj.Take("name", &t.Name),
		obj.Take("description", &t.Description),
		obj.Take("input_schema", &t.Parameters),
	); err != nil {
		return t, err
	}
	if t.Name == "" {
		return t, errors.New("tool name is required")
	}
	t.Extra, err = obj.Rest()
	return t, err
}

func encodeTool(t domain.ToolDefinition) map[string]any {
	known := map[string]any{"name": t.Name}
	if t.Type != "" {
		known["type"] = t.Type
	}
	if t.Description != "" {
		known["description"] = t.Description
	}
	if t.Parameters != nil {
		known["input_schema"] = t.Parameters
	}
	return codec.Merge(known, t.Extra)
}
