package upstream

import (
	"net/http"
	"strings"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/api/anthropic"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/api/openai"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
)

// endpoint describes how to reach one provider. It is the only place the
// forwarder branches on provider.
type endpoint struct {
	baseURL string
	path    string

	// setAuth installs the configured API key.
	setAuth func(h http.Header, apiKey string)

	// auth lists caller headers forwarded when no key is configured.
	auth []string

	// passthrough lists caller headers always forwarded.
	passthrough []string

	// defaults are set when the caller did not send them.
	defaults map[string]string
}

var endpoints = map[domain.Provider]endpoint{
	domain.ProviderOpenAI: {
		baseURL: "https://api.openai.com/v1",
		path:    openai.ChatCompletionsPath,
		setAuth: func(h http.Header, key string) {
			h.Set("Authorization", "Bearer "+key)
		},
		auth:        []string{"Authorization"},
		passthrough: []string{"OpenAI-Organization", "OpenAI-Project", "User-Agent"},
	},
	domain.ProviderAnthropic: {
		baseURL: "https://api.anthropic.com",
		path:    anthropic.MessagesPath,
		setAuth: func(h http.Header, key string) {
			h.Set("x-api-key", key)
		},
		auth:        []string{"x-api-key", "Authorization"},
		passthrough: []string{"anthropic-version", "anthropic-beta", "User-Agent"},
		defaults:    map[string]string{"anthropic-version": anthropic.DefaultVersion},
	},
}

// recordedHeaders are the upstream response headers kept on the canonical
// response. Everything else is dropped.
var recordedHeaders = []string{
	"Content-Type",
	"Openai-Processing-Ms",
	"Openai-Version",
	"Request-Id",
	"X-Request-Id",
}

func (e endpoint) url(baseURL string) string {
	if baseURL == "" {
		baseURL = e.baseURL
	}
	return strings.TrimSuffix(baseURL, "/") + e.path
}

// headers builds the outbound header set from the caller's headers.
func (e endpoint) headers(caller http.Header, apiKey string) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")

	if apiKey != "" {
		e.setAuth(h, apiKey)
	} else {
		for _, name := range e.auth {
			if v := caller.Get(name); v != "" {
				h.Set(name, v)
			}
		}
	}
	for _, name := range e.passthrough {
		if v := caller.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	for name, v := range e.defaults {
		if h.Get(name) == "" {
			h.Set(name, v)
		}
	}
	if h.Get("User-Agent") == "" {
		h.Set("User-Agent", "polyglot-llm-vcr/1.0")
	}
	return h
}

func keepHeaders(h http.Header) map[string]string {
	out := make(map[string]string)
	for _, name := range recordedHeaders {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
