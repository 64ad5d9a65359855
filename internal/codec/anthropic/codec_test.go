package anthropic

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"testing"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
)

const requestFixture = `{
  "model": "claude-3-5-sonnet-20241022",
  "max_tokens": 1024,
  "temperature": 0.2,
  "metadata": {"user_id": "u-1"},
  "system": [
    {"type": "text", "text": "You are terse.", "cache_control": {"type": "ephemeral"}}
  ],
  "messages": [
    {"role": "user", "content": "What's the weather in Paris?"},
    {"role": "assistant", "content": [
      {"type": "text", "text": "Checking."},
      {"type": "tool_use", "id": "toolu_01", "name": "get_weather", "input": {"city": "Paris"}}
    ]},
    {"role": "user", "content": [
      {"type": "tool_result", "tool_use_id": "toolu_01", "content": "18C and sunny", "is_error": false},
      {"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "iVBORw0KGgo="}}
    ]}
  ],
  "tools": [
    {"name": "get_weather", "description": "Current weather", "input_schema": {"type": "object", "properties": {"city": {"type": "string"}}}, "cache_control": {"type": "ephemeral"}}
  ],
  "tool_choice": {"type": "auto"}
}`

const responseFixture = `{
  "id": "msg_01XFDUDYJgAACzvnptvVoYEL",
  "type": "message",
  "role": "assistant",
  "model": "claude-3-5-sonnet-20241022",
  "content": [
    {"type": "thinking", "thinking": "Simple arithmetic.", "signature": "sig=="},
    {"type": "text", "text": "2 + 2 = 4."}
  ],
  "stop_reason": "end_turn",
  "stop_sequence": null,
  "usage": {
    "input_tokens": 12,
    "output_tokens": 9,
    "cache_creation_input_tokens": 0,
    "cache_read_input_tokens": 0,
    "service_tier": "standard"
  }
}`

func assertJSONEqual(t *testing.T, got []byte, want string) {
	t.Helper()
	var g, w any
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("unmarshal got: %v (%s)", err, got)
	}
	if err := json.Unmarshal([]byte(want), &w); err != nil {
		t.Fatalf("unmarshal want: %v", err)
	}
	if !reflect.DeepEqual(g, w) {
		t.Errorf("JSON mismatch\n got: %s\nwant: %s", got, want)
	}
}

func TestCodec_Provider(t *testing.T) {
	c := New()
	if got := c.Provider(); got != domain.ProviderAnthropic {
		t.Errorf("Provider() = %q, want %q", got, domain.ProviderAnthropic)
	}
	if got := c.Route(); got != "/v1/messages" {
		t.Errorf("Route() = %q", got)
	}
}

func TestCodec_DecodeRequest(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantModel    string
		wantMsgCount int
		wantSystem   string
		wantStream   bool
		wantErr      bool
	}{
		{
			name: "basic message",
			input: `{
				"model": "claude-3-haiku-20240307",
				"max_tokens": 100,
				"messages": [{"role": "user", "content": "Hello"}]
			}`,
			wantModel:    "claude-3-haiku-20240307",
			wantMsgCount: 1,
		},
		{
			name: "string system prompt",
			input: `{
				"model": "claude-3-opus-20240229",
				"max_tokens": 100,
				"system": "You are helpful",
				"messages": [{"role": "user", "content": "Hi"}]
			}`,
			wantModel:    "claude-3-opus-20240229",
			wantMsgCount: 2,
			wantSystem:   "You are helpful",
		},
		{
			name: "block system prompt",
			input: `{
				"model": "claude-3-opus-20240229",
				"max_tokens": 100,
				"system": [{"type": "text", "text": "Be "}, {"type": "text", "text": "brief"}],
				"messages": [{"role": "user", "content": "Hi"}]
			}`,
			wantModel:    "claude-3-opus-20240229",
			wantMsgCount: 2,
			wantSystem:   "Be brief",
		},
		{
			name: "streaming request",
			input: `{
				"model": "claude-3-sonnet-20240229",
				"max_tokens": 100,
				"stream": true,
				"messages": [{"role": "user", "content": "Test"}]
			}`,
			wantModel:    "claude-3-sonnet-20240229",
			wantMsgCount: 1,
			wantStream:   true,
		},
		{
			name:    "invalid JSON",
			input:   `{invalid`,
			wantErr: true,
		},
		{
			name:    "missing model",
			input:   `{"max_tokens": 10, "messages": []}`,
			wantErr: true,
		},
		{
			name:    "missing messages",
			input:   `{"model": "claude-3-haiku-20240307"}`,
			wantErr: true,
		},
		{
			name:    "system role inside messages",
			input:   `{"model": "m", "messages": [{"role": "system", "content": "x"}]}`,
			wantErr: true,
		},
		{
			name:    "block without type",
			input:   `{"model": "m", "messages": [{"role": "user", "content": [{"text": "x"}]}]}`,
			wantErr: true,
		},
		{
			name:    "null content",
			input:   `{"model": "m", "messages": [{"role": "user", "content": null}]}`,
			wantErr: true,
		},
	}

	c := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.DecodeRequest([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, domain.ErrMalformedUpstream) {
					t.Errorf("DecodeRequest() error = %v, want malformed_upstream", err)
				}
				return
			}
			if got.Model != tt.wantModel {
				t.Errorf("Model = %q, want %q", got.Model, tt.wantModel)
			}
			if len(got.Messages) != tt.wantMsgCount {
				t.Errorf("len(Messages) = %d, want %d", len(got.Messages), tt.wantMsgCount)
			}
			if tt.wantSystem != "" {
				if got.Messages[0].Role != "system" || got.Messages[0].Content != tt.wantSystem {
					t.Errorf("Messages[0] = %+v, want system %q", got.Messages[0], tt.wantSystem)
				}
			}
			if got.Stream != tt.wantStream {
				t.Errorf("Stream = %v, want %v", got.Stream, tt.wantStream)
			}
		})
	}
}

func TestCodec_RequestRoundTrip(t *testing.T) {
	c := New()
	req, err := c.DecodeRequest([]byte(requestFixture))
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}

	if req.Parameters["max_tokens"] != json.Number("1024") {
		t.Errorf("max_tokens = %v", req.Parameters["max_tokens"])
	}
	if _, ok := req.Parameters["tool_choice"]; !ok {
		t.Error("tool_choice missing from Parameters")
	}
	if req.Tools[0].Name != "get_weather" || req.Tools[0].Parameters == nil {
		t.Errorf("tool = %+v", req.Tools[0])
	}
	toolUse := req.Messages[2].Parts[1]
	if toolUse.Type != "tool_use" || toolUse.ID != "toolu_01" || toolUse.Name != "get_weather" {
		t.Errorf("tool_use part = %+v", toolUse)
	}
	if req.Messages[2].Content != "Checking." {
		t.Errorf("assistant content = %q", req.Messages[2].Content)
	}

	out, err := c.EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}
	assertJSONEqual(t, out, requestFixture)
}

func TestCodec_EncodeRequest_FromPlainMessages(t *testing.T) {
	req := &domain.CanonicalRequest{
		Provider: domain.ProviderAnthropic,
		Model:    "claude-3-haiku-20240307",
		Messages: []domain.Message{
			{Role: "system", Content: "Be brief"},
			{Role: "user", Content: "Hi"},
		},
		Parameters: map[string]any{"max_tokens": 50},
		Stream:     true,
	}
	out, err := New().EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}
	assertJSONEqual(t, out, `{
		"model": "claude-3-haiku-20240307",
		"system": "Be brief",
		"messages": [{"role": "user", "content": "Hi"}],
		"max_tokens": 50,
		"stream": true
	}`)
}

func TestCodec_ResponseRoundTrip(t *testing.T) {
	c := New()
	body, err := c.DecodeResponse([]byte(responseFixture))
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}

	if body.FinishReason() != "end_turn" {
		t.Errorf("FinishReason() = %q", body.FinishReason())
	}
	if body.Choices[0].Message.Content != "2 + 2 = 4." {
		t.Errorf("Content = %q", body.Choices[0].Message.Content)
	}
	if body.Usage == nil || body.Usage.TotalTokens != 21 {
		t.Errorf("Usage = %+v", body.Usage)
	}
	if body.Object != "message" {
		t.Errorf("Object = %q", body.Object)
	}

	out, err := c.EncodeResponse(&domain.CanonicalResponse{StatusCode: 200, Body: *body})
	if err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}
	assertJSONEqual(t, out, responseFixture)
}

func TestCodec_EncodeResponse_FromToolCalls(t *testing.T) {
	resp := &domain.CanonicalResponse{
		StatusCode: 200,
		Body: domain.ResponseBody{
			ID:    "msg_x",
			Model: "claude",
			Choices: []domain.Choice{{
				Message: domain.Message{
					Role: "assistant",
					ToolCalls: []domain.ToolCall{{
						ID:       "toolu_9",
						Type:     "function",
						Function: domain.ToolCallFunction{Name: "f", Arguments: `{"a":1}`},
					}},
				},
				FinishReason: "tool_use",
			}},
		},
	}
	out, err := New().EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}
	assertJSONEqual(t, out, `{
		"id": "msg_x",
		"type": "message",
		"role": "assistant",
		"model": "claude",
		"content": [{"type": "tool_use", "id": "toolu_9", "name": "f", "input": {"a": 1}}],
		"stop_reason": "tool_use",
		"stop_sequence": null
	}`)
}

func TestCodec_DecodeResponse_Malformed(t *testing.T) {
	for _, in := range []string{`nope`, `{"content": "text"}`, `{"content": [{"type": 3}]}`, `{"usage": []}`} {
		if _, err := New().DecodeResponse([]byte(in)); !errors.Is(err, domain.ErrMalformedUpstream) {
			t.Errorf("DecodeResponse(%s) error = %v, want malformed_upstream", in, err)
		}
	}
}

type frame struct {
	event string
	data  string
}

func TestStreamAccumulator(t *testing.T) {
	frames := []frame{
		{"message_start", `{"type":"message_start","message":{"id":"msg_s","type":"message","role":"assistant","model":"claude-3-5-sonnet-20241022","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":25,"output_tokens":1}}}`},
		{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		{"ping", `{"type":"ping"}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"!"}}`},
		{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{}}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\": "}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"Paris\"}"}}`},
		{"content_block_stop", `{"type":"content_block_stop","index":1}`},
		{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":15}}`},
		{"message_stop", `{"type":"message_stop"}`},
	}

	acc := New().NewStreamAccumulator()
	for i, f := range frames {
		if acc.Done() {
			t.Fatalf("Done() = true before frame %d", i)
		}
		if err := acc.Add(f.event, []byte(f.data)); err != nil {
			t.Fatalf("Add(frame %d) error = %v", i, err)
		}
	}
	if !acc.Done() {
		t.Fatal("Done() = false after message_stop")
	}

	body, err := acc.Result()
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if body.ID != "msg_s" || body.FinishReason() != "tool_use" {
		t.Errorf("body = %+v", body)
	}
	msg := body.Choices[0].Message
	if msg.Content != "Hello!" || len(msg.Parts) != 2 {
		t.Fatalf("message = %+v", msg)
	}
	input, ok := msg.Parts[1].Input.(map[string]any)
	if !ok || input["city"] != "Paris" {
		t.Errorf("tool input = %#v", msg.Parts[1].Input)
	}
	if body.Usage == nil || body.Usage.PromptTokens != 25 || body.Usage.CompletionTokens != 15 || body.Usage.TotalTokens != 40 {
		t.Errorf("usage = %+v", body.Usage)
	}

	out, err := New().EncodeResponse(&domain.CanonicalResponse{StatusCode: 200, Body: *body})
	if err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}
	assertJSONEqual(t, out, `{
		"id": "msg_s",
		"type": "message",
		"role": "assistant",
		"model": "claude-3-5-sonnet-20241022",
		"content": [
			{"type": "text", "text": "Hello!"},
			{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Paris"}}
		],
		"stop_reason": "tool_use",
		"stop_sequence": null,
		"usage": {"input_tokens": 25, "output_tokens": 15}
	}`)
}

func TestStreamAccumulator_Errors(t *testing.T) {
	acc := New().NewStreamAccumulator()
	if _, err := acc.Result(); !errors.Is(err, domain.ErrMalformedUpstream) {
		t.Errorf("Result() before message_start error = %v", err)
	}

	err := acc.Add("error", []byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	if !errors.Is(err, domain.ErrUpstreamFailure) {
		t.Fatalf("Add(error) = %v, want upstream", err)
	}
	if apiErr := domain.ToAPIError(err); apiErr.UpstreamType != "overloaded_error" {
		t.Errorf("UpstreamType = %q", apiErr.UpstreamType)
	}

	if err := acc.Add("content_block_delta", []byte(`{"type":`)); !errors.Is(err, domain.ErrMalformedUpstream) {
		t.Errorf("Add(truncated) = %v, want malformed_upstream", err)
	}
}

func TestCodec_FormatError(t *testing.T) {
	tests := []struct {
		name               string
		err                error
		expectedStatusCode int
		expectedType       string
	}{
		{"invalid request", domain.ErrInvalidRequest("bad request"), http.StatusBadRequest, "invalid_request_error"},
		{"malformed", domain.ErrMalformed(domain.ProviderAnthropic, "bad json"), http.StatusBadRequest, "invalid_request_error"},
		{"replay miss", domain.ErrReplayMiss("no cassette"), http.StatusNotFound, "not_found_error"},
		{"mode violation", domain.ErrModeForbidsUpstream(domain.ModeReplay), http.StatusForbidden, "permission_error"},
		{"rate limit", domain.ErrRateLimit("slow down"), http.StatusTooManyRequests, "rate_limit_error"},
		{"storage", domain.ErrStorage("breaker open"), http.StatusServiceUnavailable, "overloaded_error"},
		{"corrupt", domain.ErrCorrupt("bad tag"), http.StatusUnprocessableEntity, "api_error"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "api_error"},
	}

	c := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := c.FormatError(tt.err)
			if resp.StatusCode != tt.expectedStatusCode {
				t.Errorf("StatusCode = %d, want %d", resp.StatusCode, tt.expectedStatusCode)
			}

			var result struct {
				Type  string `json:"type"`
				Error struct {
					Type    string `json:"type"`
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.Unmarshal(resp.Body, &result); err != nil {
				t.Fatalf("Failed to parse response body: %v", err)
			}
			if result.Type != "error" {
				t.Errorf("type = %q, want error", result.Type)
			}
			if result.Error.Type != tt.expectedType {
				t.Errorf("error.type = %q, want %q", result.Error.Type, tt.expectedType)
			}
		})
	}
}

func TestCodec_ParseError(t *testing.T) {
	c := New()
	e := c.ParseError(http.StatusTooManyRequests, []byte(`{"type":"error","error":{"type":"rate_limit_error","message":"Number of requests has exceeded your rate limit"}}`))
	if !errors.Is(e, domain.ErrUpstreamFailure) {
		t.Fatalf("ParseError() = %v", e)
	}
	if e.HTTPStatusCode() != http.StatusTooManyRequests || e.UpstreamType != "rate_limit_error" {
		t.Errorf("ParseError() = %d %q", e.HTTPStatusCode(), e.UpstreamType)
	}

	plain := c.ParseError(http.StatusInternalServerError, nil)
	if plain.HTTPStatusCode() != http.StatusInternalServerError {
		t.Errorf("HTTPStatusCode() = %d", plain.HTTPStatusCode())
	}
}
