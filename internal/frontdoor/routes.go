package frontdoor

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/pkg/codec"
)

// Route describes one mounted provider endpoint.
type Route struct {
	Provider domain.Provider
	Path     string
}

// Mount registers POST {prefix}{codec route} for every provider in
// prefixes. Every provider must have a codec.
func Mount(r chi.Router, codecs *codec.Registry, prefixes map[domain.Provider]string, d Dispatcher, logger *slog.Logger) ([]Route, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var routes []Route
	for _, p := range codecs.Providers() {
		prefix, ok := prefixes[p]
		if !ok {
			continue
		}
		c, err := codecs.Get(p)
		if err != nil {
			return nil, err
		}
		path := strings.TrimSuffix(prefix, "/") + c.Route()
		r.Method(http.MethodPost, path, NewHandler(c, d, logger.With(slog.String("provider", string(p)))))
		routes = append(routes, Route{Provider: p, Path: path})
		logger.Info("mounted provider route",
			slog.String("provider", string(p)),
			slog.String("path", path))
	}
	for p := range prefixes {
		if _, err := codecs.Get(p); err != nil {
			return nil, fmt.Errorf("mount %s: %w", p, err)
		}
	}
	return routes, nil
}
