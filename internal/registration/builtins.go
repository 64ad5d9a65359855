// Package registration wires the built-in provider codecs.
package registration

import (
	anthropiccodec "github.com/tjfontaine/polyglot-llm-vcr/internal/codec/anthropic"
	openaicodec "github.com/tjfontaine/polyglot-llm-vcr/internal/codec/openai"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/pkg/codec"
)

// Builtins returns a registry holding every built-in codec. It replaces
// init-based side effects and is called once from the runtime and from tests.
func Builtins() *codec.Registry {
	return codec.NewRegistry(
		openaicodec.New(),
		anthropiccodec.New(),
	)
}
