package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/breaker"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/ports"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/pkg/config"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/storage/badger"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/storage/file"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/storage/memory"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/storage/sqlite"
)

// badgerGCInterval is how often the badger backend reclaims value log space.
const badgerGCInterval = 10 * time.Minute

// Open builds the configured backends, wraps each in a breaker, and returns
// a manager over them. Backends opened before a failure are closed.
func Open(cfg config.StorageConfig, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var stores []ports.TraceStore
	for _, bc := range cfg.Backends() {
		store, err := OpenBackend(bc, logger)
		if err != nil {
			var errs []error
			for _, s := range stores {
				errs = append(errs, s.Close())
			}
			return nil, errors.Join(append([]error{err}, errs...)...)
		}

		name := nameOf(store, len(stores))
		stores = append(stores, WithBreaker(store, breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         cfg.Breaker.Cooldown,
			OnStateChange: func(from, to breaker.State) {
				logger.Warn("trace backend breaker state changed",
					slog.String("backend", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		}))
		logger.Info("trace backend opened",
			slog.String("backend", name),
			slog.String("path", bc.Path))
	}

	return NewManager(logger, stores[0], stores[1:]...), nil
}

// OpenBackend opens a single backend without a breaker.
func OpenBackend(bc config.BackendConfig, logger *slog.Logger) (ports.NamedTraceStore, error) {
	switch bc.Type {
	case "file":
		s, err := file.New(bc.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("open file trace store: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.New(bc.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite trace store: %w", err)
		}
		return s, nil
	case "badger":
		s, err := badger.Open(badger.Config{
			Path:       bc.Path,
			GCInterval: badgerGCInterval,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open badger trace store: %w", err)
		}
		return s, nil
	case "memory":
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown storage type: %s", bc.Type)
}
