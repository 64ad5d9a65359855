package openai

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/api/openai"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/pkg/codec"
)

// NewStreamAccumulator returns an accumulator for chat.completion.chunk frames.
func (c *Codec) NewStreamAccumulator() codec.StreamAccumulator {
	return &streamAccumulator{choices: make(map[int]*choiceState)}
}

type streamAccumulator struct {
	body    domain.ResponseBody
	choices map[int]*choiceState
	done    bool
}

type choiceState struct {
	role      string
	content   strings.Builder
	refusal   strings.Builder
	finish    string
	toolCalls map[int]*domain.ToolCall
}

func (a *streamAccumulator) Add(_ string, data []byte) error {
	payload := strings.TrimSpace(string(data))
	if payload == "" {
		return nil
	}
	if payload == openai.DoneMarker {
		a.done = true
		return nil
	}

	var chunk openai.ChatCompletionChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return malformed("decode stream chunk", err)
	}

	if a.body.ID == "" {
		a.body.ID = chunk.ID
		a.body.Created = chunk.Created
		a.body.Model = chunk.Model
		a.body.Object = openai.ObjectChatCompletion
	}
	if chunk.SystemFingerprint != nil {
		a.setExtra("system_fingerprint", *chunk.SystemFingerprint)
	}
	if chunk.ServiceTier != nil {
		a.setExtra("service_tier", *chunk.ServiceTier)
	}
	if len(chunk.Usage) > 0 && string(chunk.Usage) != "null" {
		usage, err := decodeUsage(chunk.Usage)
		if err != nil {
			return malformed("decode stream usage", err)
		}
		a.body.Usage = usage
	}

	for _, ch := range chunk.Choices {
		st := a.choice(ch.Index)
		if ch.Delta.Role != "" {
			st.role = ch.Delta.Role
		}
		if ch.Delta.Content != nil {
			st.content.WriteString(*ch.Delta.Content)
		}
		if ch.Delta.Refusal != nil {
			st.refusal.WriteString(*ch.Delta.Refusal)
		}
		for _, tc := range ch.Delta.ToolCalls {
			call, ok := st.toolCalls[tc.Index]
			if !ok {
				call = &domain.ToolCall{Type: "function"}
				st.toolCalls[tc.Index] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Type != "" {
				call.Type = tc.Type
			}
			if tc.Function != nil {
				call.Function.Name += tc.Function.Name
				call.Function.Arguments += tc.Function.Arguments
			}
		}
		if ch.FinishReason != nil {
			st.finish = *ch.FinishReason
		}
	}
	return nil
}

func (a *streamAccumulator) Done() bool {
	return a.done
}

func (a *streamAccumulator) Result() (*domain.ResponseBody, error) {
	body := a.body
	indexes := make([]int, 0, len(a.choices))
	for idx := range a.choices {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	body.Choices = make([]domain.Choice, 0, len(indexes))
	for _, idx := range indexes {
		st := a.choices[idx]
		msg := domain.Message{Role: st.role, Content: st.content.String()}
		if msg.Role == "" {
			msg.Role = "assistant"
		}
		if st.refusal.Len() > 0 {
			msg.Extra = map[string]any{"refusal": st.refusal.String()}
		}
		callIdx := make([]int, 0, len(st.toolCalls))
		for i := range st.toolCalls {
			callIdx = append(callIdx, i)
		}
		sort.Ints(callIdx)
		for _, i := range callIdx {
			msg.ToolCalls = append(msg.ToolCalls, *st.toolCalls[i])
		}
		body.Choices = append(body.Choices, domain.Choice{
			Index:        idx,
			Message:      msg,
			FinishReason: st.finish,
		})
	}
	return &body, nil
}

func (a *streamAccumulator) choice(idx int) *choiceState {
	st, ok := a.choices[idx]
	if !ok {
		st = &choiceState{toolCalls: make(map[int]*domain.ToolCall)}
		a.choices[idx] = st
	}
	return st
}

func (a *streamAccumulator) setExtra(key string, v any) {
	if a.body.Extra == nil {
		a.body.Extra = make(map[string]any)
	}
	a.body.Extra[key] = v
}
