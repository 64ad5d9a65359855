// Package tokens estimates token usage for trace records when the upstream
// reply carries no usage block.
package tokens

import (
	"fmt"
	"strings"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
)

// Counter counts the tokens of one exchange.
type Counter interface {
	// Count returns prompt plus completion tokens. resp may be nil.
	Count(req *domain.CanonicalRequest, resp *domain.CanonicalResponse) (int, error)

	SupportsModel(model string) bool
}

// Registry picks a Counter by model name. It satisfies the replay
// controller's token estimator contract.
type Registry struct {
	counters []Counter
	fallback Counter
}

// NewRegistry creates a registry with the character estimator as fallback.
func NewRegistry(counters ...Counter) *Registry {
	return &Registry{
		counters: counters,
		fallback: NewEstimator(),
	}
}

// Default returns a registry with tiktoken for OpenAI models.
func Default() *Registry {
	return NewRegistry(NewOpenAICounter())
}

// Register adds a counter. Earlier registrations win.
func (r *Registry) Register(c Counter) {
	r.counters = append(r.counters, c)
}

// SetFallback replaces the fallback counter. nil disables it.
func (r *Registry) SetFallback(c Counter) {
	r.fallback = c
}

// CounterFor returns the counter used for model.
func (r *Registry) CounterFor(model string) Counter {
	for _, c := range r.counters {
		if c.SupportsModel(model) {
			return c
		}
	}
	return r.fallback
}

// EstimateTokens counts the exchange with the counter for the request model.
func (r *Registry) EstimateTokens(req *domain.CanonicalRequest, resp *domain.CanonicalResponse) (int, error) {
	if req == nil {
		return 0, fmt.Errorf("tokens: nil request")
	}
	c := r.CounterFor(req.Model)
	if c == nil {
		return 0, fmt.Errorf("tokens: no counter for model %q", req.Model)
	}
	return c.Count(req, resp)
}

// Estimator approximates tokens from character counts.
type Estimator struct {
	// CharsPerToken is the average characters per token. Default: 4
	CharsPerToken float64
}

// NewEstimator creates a character estimator.
func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

// Count implements Counter.
func (e *Estimator) Count(req *domain.CanonicalRequest, resp *domain.CanonicalResponse) (int, error) {
	chars := 0
	walkText(req, resp, func(s string, overhead int) {
		chars += len(s) + overhead*int(e.CharsPerToken)
	})
	return int(float64(chars) / e.CharsPerToken), nil
}

// SupportsModel reports true for every model.
func (e *Estimator) SupportsModel(string) bool {
	return true
}

// walkText visits every token-bearing string of an exchange. overhead is the
// structural token cost attached to the string.
func walkText(req *domain.CanonicalRequest, resp *domain.CanonicalResponse, visit func(s string, overhead int)) {
	if req != nil {
		for _, m := range req.Messages {
			walkMessage(m, visit)
		}
		for _, tool := range req.Tools {
			visit(tool.Name, 7)
			visit(tool.Description, 0)
			if tool.Parameters != nil {
				visit(compactJSON(tool.Parameters), 0)
			}
		}
	}
	if resp != nil {
		for _, ch := range resp.Body.Choices {
			walkMessage(ch.Message, visit)
		}
	}
}

func walkMessage(m domain.Message, visit func(string, int)) {
	// role plus separators
	visit(m.Role, 3)
	if len(m.Parts) == 0 {
		visit(m.Content, 0)
	}
	for _, p := range m.Parts {
		switch p.Type {
		case "tool_use":
			visit(p.Name, 3)
			if p.Input != nil {
				visit(compactJSON(p.Input), 0)
			}
		case "tool_result":
			visit(p.Text, 2)
			if s, ok := p.Content.(string); ok {
				visit(s, 0)
			}
		case "thinking":
			visit(p.Thinking, 0)
		default:
			visit(p.Text, 0)
		}
	}
	for _, tc := range m.ToolCalls {
		visit(tc.Function.Name, 3)
		visit(tc.Function.Arguments, 0)
	}
}

// ModelMatcher matches model names by exact name or prefix.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{prefixes: prefixes, exact: exact}
}

// Matches reports whether model matches any pattern, ignoring case.
func (m *ModelMatcher) Matches(model string) bool {
	model = strings.ToLower(model)
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
