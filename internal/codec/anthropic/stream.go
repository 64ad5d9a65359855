package anthropic

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/api/anthropic"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/pkg/codec"
)

// NewStreamAccumulator returns an accumulator for Messages API stream events.
func (c *Codec) NewStreamAccumulator() codec.StreamAccumulator {
	return &streamAccumulator{blocks: make(map[int]*blockState)}
}

type streamAccumulator struct {
	body    *domain.ResponseBody
	blocks  map[int]*blockState
	started bool
	done    bool
}

type blockState struct {
	part      domain.ContentPart
	text      strings.Builder
	thinking  strings.Builder
	inputJSON strings.Builder
	citations []any
}

// Add consumes one event. The type inside the payload is authoritative; the
// SSE event name is only a hint.
func (a *streamAccumulator) Add(event string, data []byte) error {
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}
	var env anthropic.StreamEvent
	if err := json.Unmarshal(data, &env); err != nil {
		return malformed("decode stream event", err)
	}
	typ := env.Type
	if typ == "" {
		typ = event
	}

	switch typ {
	case anthropic.EventMessageStart:
		var ev anthropic.MessageStartEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return malformed("decode message_start", err)
		}
		body, err := decodeBody(ev.Message)
		if err != nil {
			return malformed("decode message_start", err)
		}
		a.body = body
		a.started = true

	case anthropic.EventContentBlockStart:
		var ev anthropic.ContentBlockStartEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return malformed("decode content_block_start", err)
		}
		part, err := decodeBlock(ev.ContentBlock)
		if err != nil {
			return malformed("decode content_block_start", err)
		}
		st := &blockState{part: part}
		st.text.WriteString(part.Text)
		st.thinking.WriteString(part.Thinking)
		a.blocks[ev.Index] = st

	case anthropic.EventContentBlockDelta:
		var ev anthropic.ContentBlockDeltaEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return malformed("decode content_block_delta", err)
		}
		st, ok := a.blocks[ev.Index]
		if !ok {
			st = &blockState{part: domain.ContentPart{Type: "text"}}
			a.blocks[ev.Index] = st
		}
		switch ev.Delta.Type {
		case anthropic.DeltaText:
			st.text.WriteString(ev.Delta.Text)
		case anthropic.DeltaInputJSON:
			st.inputJSON.WriteString(ev.Delta.PartialJSON)
		case anthropic.DeltaThinking:
			st.thinking.WriteString(ev.Delta.Thinking)
		case anthropic.DeltaSignature:
			st.part.Signature += ev.Delta.Signature
		case anthropic.DeltaCitations:
			var citation any
			if len(ev.Delta.Citation) > 0 {
				if err := domain.UnmarshalJSON(ev.Delta.Citation, &citation); err != nil {
					return malformed("decode citation", err)
				}
				st.citations = append(st.citations, citation)
			}
		}

	case anthropic.EventContentBlockStop:
		var ev anthropic.ContentBlockStopEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return malformed("decode content_block_stop", err)
		}
		if st, ok := a.blocks[ev.Index]; ok && st.inputJSON.Len() > 0 {
			var input any
			if err := domain.UnmarshalJSON([]byte(st.inputJSON.String()), &input); err != nil {
				return malformed("decode tool input", err)
			}
			st.part.Input = input
			st.inputJSON.Reset()
		}

	case anthropic.EventMessageDelta:
		var ev anthropic.MessageDeltaEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return malformed("decode message_delta", err)
		}
		body := a.ensureBody()
		if ev.Delta.StopReason != nil {
			body.Choices[0].FinishReason = *ev.Delta.StopReason
		}
		if ev.Delta.StopSequence != nil {
			body.StopSequence = ev.Delta.StopSequence
		}
		if len(ev.Usage) > 0 && string(ev.Usage) != "null" {
			if body.Usage == nil {
				body.Usage = &domain.Usage{}
			}
			if err := mergeUsage(body.Usage, ev.Usage); err != nil {
				return malformed("decode message_delta usage", err)
			}
		}

	case anthropic.EventMessageStop:
		a.done = true

	case anthropic.EventError:
		var resp anthropic.ErrorResponse
		if err := json.Unmarshal(data, &resp); err != nil || resp.Error == nil {
			return domain.ErrUpstream(0, "stream error event").WithProvider(domain.ProviderAnthropic)
		}
		e := domain.ErrUpstream(0, resp.Error.Message).WithProvider(domain.ProviderAnthropic)
		e.UpstreamType = resp.Error.Type
		return e
	}
	return nil
}

func (a *streamAccumulator) Done() bool {
	return a.done
}

func (a *streamAccumulator) Result() (*domain.ResponseBody, error) {
	if !a.started {
		return nil, malformed("stream ended before message_start", nil)
	}
	body := *a.ensureBody()
	choice := body.Choices[0]

	indexes := make([]int, 0, len(a.blocks))
	for idx := range a.blocks {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	parts := make([]domain.ContentPart, 0, len(indexes))
	var text strings.Builder
	for _, idx := range indexes {
		st := a.blocks[idx]
		part := st.part
		switch part.Type {
		case "text":
			part.Text = st.text.String()
			text.WriteString(part.Text)
		case "thinking":
			part.Thinking = st.thinking.String()
		}
		if len(st.citations) > 0 {
			part.Extra = codec.Merge(map[string]any{"citations": st.citations}, part.Extra)
		}
		parts = append(parts, part)
	}
	choice.Message.Parts = parts
	choice.Message.Content = text.String()
	if choice.Message.Role == "" {
		choice.Message.Role = "assistant"
	}
	body.Choices = []domain.Choice{choice}
	return &body, nil
}

func (a *streamAccumulator) ensureBody() *domain.ResponseBody {
	if a.body == nil {
		a.body = &domain.ResponseBody{Object: anthropic.TypeMessage}
	}
	if len(a.body.Choices) == 0 {
		a.body.Choices = []domain.Choice{{}}
	}
	return a.body
}
