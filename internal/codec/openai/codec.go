// Package openai provides a codec for converting between OpenAI API format and canonical format.
package openai

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/api/openai"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/pkg/codec"
)

// Codec implements codec.Codec for OpenAI API format.
type Codec struct{}

var _ codec.Codec = (*Codec)(nil)

// New creates a new OpenAI codec.
func New() *Codec {
	return &Codec{}
}

// Provider returns the provider this codec speaks for.
func (c *Codec) Provider() domain.Provider {
	return domain.ProviderOpenAI
}

// Route returns the native route suffix.
func (c *Codec) Route() string {
	return openai.ChatCompletionsPath
}

func malformed(what string, err error) *domain.APIError {
	return codec.Malformed(domain.ProviderOpenAI, what, err)
}

// DecodeRequest converts OpenAI API request JSON to canonical format. Every
// top-level key other than model, messages, tools and stream lands in
// Parameters verbatim.
func (c *Codec) DecodeRequest(data []byte) (*domain.CanonicalRequest, error) {
	obj, err := codec.DecodeObject(data)
	if err != nil {
		return nil, malformed("decode request", err)
	}

	req := &domain.CanonicalRequest{Provider: domain.ProviderOpenAI}
	if err := obj.Take("model", &req.Model); err != nil {
		return nil, malformed("decode request", err)
	}
	if req.Model == "" {
		return nil, malformed("model is required", nil)
	}

	if !obj.Has("messages") {
		return nil, malformed("messages is required", nil)
	}
	var rawMessages []json.RawMessage
	if err := obj.Take("messages", &rawMessages); err != nil {
		return nil, malformed("decode request", err)
	}
	req.Messages = make([]domain.Message, 0, len(rawMessages))
	for _, raw := range rawMessages {
		msg, err := decodeMessage(raw)
		if err != nil {
			return nil, malformed("decode message", err)
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

// EncodeRequest converts canonical request to OpenAI API request JSON.
func (c *Codec) EncodeRequest(req *domain.CanonicalRequest) ([]byte, error) {
	if req == nil {
		return nil, malformed("nil request", nil)
	}
	messages := make([]map[string]any, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = encodeMessage(m)
	}
	known := map[string]any{
		"model":    req.Model,
		"messages": messages,
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

// DecodeResponse converts OpenAI API response JSON to a canonical body.
func (c *Codec) DecodeResponse(data []byte) (*domain.ResponseBody, error) {
	obj, err := codec.DecodeObject(data)
	if err != nil {
		return nil, malformed("decode response", err)
	}

	body := &domain.ResponseBody{}
	if err := errors.Join(
		obj.Take("id", &body.ID),
		obj.Take("object", &body.Object),
		obj.Take("created", &body.Created),
		obj.Take("model", &body.Model),
	); err != nil {
		return nil, malformed("decode response", err)
	}

	var rawChoices []json.RawMessage
	if err := obj.Take("choices", &rawChoices); err != nil {
		return nil, malformed("decode response", err)
	}
	body.Choices = make([]domain.Choice, 0, len(rawChoices))
	for _, raw := range rawChoices {
		choice, err := decodeChoice(raw)
		if err != nil {
			return nil, malformed("decode choice", err)
		}
		body.Choices = append(body.Choices, choice)
	}

	if raw, ok := obj.TakeRaw("usage"); ok && string(raw) != "null" {
		usage, err := decodeUsage(raw)
		if err != nil {
			return nil, malformed("decode usage", err)
		}
		body.Usage = usage
	}

	if body.Extra, err = obj.Rest(); err != nil {
		return nil, malformed("decode response", err)
	}
	return body, nil
}

// EncodeResponse converts canonical response to OpenAI API response JSON.
func (c *Codec) EncodeResponse(resp *domain.CanonicalResponse) ([]byte, error) {
	if resp == nil {
		return nil, malformed("nil response", nil)
	}
	return json.Marshal(encodeBody(&resp.Body))
}

func encodeBody(b *domain.ResponseBody) map[string]any {
	choices := make([]map[string]any, len(b.Choices))
	for i, ch := range b.Choices {
		choices[i] = encodeChoice(ch)
	}
	known := map[string]any{
		"id":      b.ID,
		"model":   b.Model,
		"choices": choices,
	}
	if b.Object != "" {
		known["object"] = b.Object
	}
	if b.Created != 0 {
		known["created"] = b.Created
	}
	if b.Usage != nil {
		known["usage"] = codec.Merge(map[string]any{
			"prompt_tokens":     b.Usage.PromptTokens,
			"completion_tokens": b.Usage.CompletionTokens,
			"total_tokens":      b.Usage.TotalTokens,
		}, b.Usage.Extra)
	}
	return codec.Merge(known, b.Extra)
}

func decodeChoice(raw json.RawMessage) (domain.Choice, error) {
	var ch domain.Choice
	obj, err := codec.DecodeObject(raw)
	if err != nil {
		return ch, err
	}
	if err := errors.Join(
		obj.Take("index", &ch.Index),
		obj.Take("finish_reason", &ch.FinishReason),
	); err != nil {
		return ch, err
	}
	if rawMsg, ok := obj.TakeRaw("message"); ok {
		if ch.Message, err = decodeMessage(rawMsg); err != nil {
			return ch, err
		}
	}
	ch.Extra, err = obj.Rest()
	return ch, err
}

func encodeChoice(ch domain.Choice) map[string]any {
	known := map[string]any{
		"index":         ch.Index,
		"message":       encodeMessage(ch.Message),
		"finish_reason": nil,
	}
	if ch.FinishReason != "" {
		known["finish_reason"] = ch.FinishReason
	}
	return codec.Merge(known, ch.Extra)
}

func decodeUsage(raw json.RawMessage) (*domain.Usage, error) {
	obj, err := codec.DecodeObject(raw)
	if err != nil {
		return nil, err
	}
	u := &domain.Usage{}
	if err := errors.Join(
		obj.Take("prompt_tokens", &u.PromptTokens),
		obj.Take("completion_tokens", &u.CompletionTokens),
		obj.Take("total_tokens", &u.TotalTokens),
	); err != nil {
		return nil, err
	}
	u.Extra, err = obj.Rest()
	return u, err
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

	if rawContent, ok := obj.TakeRaw("content"); ok {
		if err := decodeContent(rawContent, &m); err != nil {
			return m, err
		}
	}

	var toolCalls []openai.ToolCall
	if err := errors.Join(
		obj.Take("name", &m.Name),
		obj.Take("tool_calls", &toolCalls),
		obj.Take("tool_call_id", &m.ToolCallID),
	); err != nil {
		return m, err
	}
	for _, tc := range toolCalls {
		m.ToolCalls = append(m.ToolCalls, domain.ToolCall{
			ID:   tc.ID,
			Type: tc.Type,
			Function: domain.ToolCallFunction{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}

	m.Extra, err = obj.Rest()
	return m, err
}

// decodeContent accepts the string form and the array-of-parts form.
func decodeContent(raw json.RawMessage, m *domain.Message) error {
	if string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		m.Content = s
		return nil
	}

	var rawParts []json.RawMessage
	if err := json.Unmarshal(raw, &rawParts); err != nil {
		return errors.New("content must be a string, an array of parts or null")
	}
	m.Parts = make([]domain.ContentPart, 0, len(rawParts))
	var text strings.Builder
	for _, rp := range rawParts {
		obj, err := codec.DecodeObject(rp)
		if err != nil {
			return err
		}
		var part domain.ContentPart
		if err := obj.Take("type", &part.Type); err != nil {
			return err
		}
		switch part.Type {
		case "text":
			if err := obj.Take("text", &part.Text); err != nil {
				return err
			}
			text.WriteString(part.Text)
		case "image_url":
			if err := obj.Take("image_url", &part.Source); err != nil {
				return err
			}
		}
		if part.Extra, err = obj.Rest(); err != nil {
			return err
		}
		m.Parts = append(m.Parts, part)
	}
	m.Content = text.String()
	return nil
}

func encodeMessage(m domain.Message) map[string]any {
	known := map[string]any{"role": m.Role}

	switch {
	case m.Parts != nil:
		parts := make([]map[string]any, len(m.Parts))
		for i, p := range m.Parts {
			pk := map[string]any{"type": p.Type}
			switch p.Type {
			case "text":
				pk["text"] = p.Text
			case "image_url":
				pk["image_url"] = p.Source
			}
			parts[i] = codec.Merge(pk, p.Extra)
		}
		known["content"] = parts
	case m.Content == "" && m.Role == "assistant":
		known["content"] = nil
	default:
		known["content"] = m.Content
	}

	if m.Name != "" {
		known["name"] = m.Name
	}
	if len(m.ToolCalls) > 0 {
		calls := make([]openai.ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			calls[i] = openai.ToolCall{
				ID:   tc.ID,
				Type: tc.Type,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			}
		}
		known["tool_calls"] = calls
	}
	if m.ToolCallID != "" {
		known["tool_call_id"] = m.ToolCallID
	}
	return codec.Merge(known, m.Extra)
}

// decodeTool flattens {type, function:{name, description, parameters}}.
// Unknown function fields (strict, ...) are kept under Extra["function"].
func decodeTool(raw json.RawMessage) (domain.ToolDefinition, error) {
	var t domain.ToolDefinition
	obj, err := codec.DecodeObject(raw)
	if err != nil {
		return t, err
	}
	if err := obj.Take("type", &t.Type); err != nil {
		return t, err
	}
	if rawFn, ok := obj.TakeRaw("function"); ok {
		fn, err := codec.DecodeObject(rawFn)
		if err != nil {
			return t, err
		}
		if err := errors.Join(
			fn.Take("name", &t.Name),
			fn.Take("description", &t.Description),
			fn.Take("parameters", &t.Parameters),
		); err != nil {
			return t, err
		}
		fnRest, err := fn.Rest()
		if err != nil {
			return t, err
		}
		if fnRest != nil {
			obj["function"] = codec.Raw(fnRest)
		}
	}
	t.Extra, err = obj.Rest()
	return t, err
}

func encodeTool(t domain.ToolDefinition) map[string]any {
	extra := make(map[string]any, len(t.Extra))
	for k, v := range t.Extra {
		extra[k] = v
	}
	known := map[string]any{}
	if t.Type != "" {
		known["type"] = t.Type
	}
	if t.Name != "" {
		fnExtra, _ := extra["function"].(map[string]any)
		delete(extra, "function")
		fn := map[string]any{"name": t.Name}
		if t.Description != "" {
			fn["description"] = t.Description
		}
		if t.Parameters != nil {
			fn["parameters"] = t.Parameters
		}
		known["function"] = codec.Merge(fn, fnExtra)
	}
	return codec.Merge(known, extra)
}
