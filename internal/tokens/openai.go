package tokens

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
)

// OpenAICounter counts tokens for OpenAI models with tiktoken encodings.
type OpenAICounter struct {
	matcher *ModelMatcher

	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

// NewOpenAICounter creates an OpenAI counter.
func NewOpenAICounter() *OpenAICounter {
	return &OpenAICounter{
		matcher: NewModelMatcher(
			[]string{"gpt-", "o1", "o3", "o4", "chatgpt-", "text-embedding"},
			nil,
		),
		codecs: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

// encodingRules maps model prefixes to encodings, most specific first.
var encodingRules = []struct {
	prefix   string
	encoding tokenizer.Encoding
}{
	{"gpt-4o", tokenizer.O200kBase},
	{"gpt-4.1", tokenizer.O200kBase},
	{"gpt-4", tokenizer.Cl100kBase},
	{"gpt-3.5", tokenizer.Cl100kBase},
	{"text-embedding", tokenizer.Cl100kBase},
	{"gpt-5", tokenizer.O200kBase},
	{"chatgpt-", tokenizer.O200kBase},
	{"o1", tokenizer.O200kBase},
	{"o3", tokenizer.O200kBase},
	{"o4", tokenizer.O200kBase},
}

// encodingFor returns the encoding for model. Unknown models get o200k_base.
func encodingFor(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	for _, r := range encodingRules {
		if strings.HasPrefix(model, r.prefix) {
			return r.encoding
		}
	}
	return tokenizer.O200kBase
}

func (c *OpenAICounter) codec(model string) (tokenizer.Codec, error) {
	enc := encodingFor(model)

	c.mu.RLock()
	codec, ok := c.codecs[enc]
	c.mu.RUnlock()
	if ok {
		return codec, nil
	}

	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer encoding %s: %w", enc, err)
	}
	c.mu.Lock()
	c.codecs[enc] = codec
	c.mu.Unlock()
	return codec, nil
}

// Count implements Counter. Message and tool overheads follow the chat
// format accounting: three tokens per message plus one for the role, and
// three for assistant priming.
func (c *OpenAICounter) Count(req *domain.CanonicalRequest, resp *domain.CanonicalResponse) (int, error) {
	model := ""
	if req != nil {
		model = req.Model
	}
	codec, err := c.codec(model)
	if err != nil {
		return 0, err
	}

	total := 3
	var encErr error
	walkText(req, resp, func(s string, overhead int) {
		total += overhead
		if s == "" || encErr != nil {
			return
		}
		ids, _, err := codec.Encode(s)
		if err != nil {
			encErr = err
			return
		}
		total += len(ids)
	})
	if encErr != nil {
		return 0, fmt.Errorf("encode tokens: %w", encErr)
	}
	return total, nil
}

// SupportsModel reports true for OpenAI model families.
func (c *OpenAICounter) SupportsModel(model string) bool {
	return c.matcher.Matches(model)
}

// CountText counts the tokens of a plain string.
func (c *OpenAICounter) CountText(model, text string) (int, error) {
	codec, err := c.codec(model)
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
