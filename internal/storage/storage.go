// Package storage composes trace backends: a circuit breaker around each
// backend and a manager that writes to the first healthy one in order.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/breaker"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/ports"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/metrics"
)

// BreakerStore fails fast with a storage_unavailable error while its breaker
// is open.
type BreakerStore struct {
	next    ports.TraceStore
	name    string
	breaker *breaker.Breaker
}

var _ ports.NamedTraceStore = (*BreakerStore)(nil)

// WithBreaker wraps store with a circuit breaker. The breaker state is
// exported as a gauge labelled with the backend name.
func WithBreaker(store ports.TraceStore, cfg breaker.Config) *BreakerStore {
	name := nameOf(store, 0)
	onChange := cfg.OnStateChange
	cfg.OnStateChange = func(from, to breaker.State) {
		metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		if onChange != nil {
			onChange(from, to)
		}
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(breaker.Closed))
	return &BreakerStore{next: store, name: name, breaker: breaker.New(cfg)}
}

// Name returns the wrapped backend's name.
func (s *BreakerStore) Name() string {
	return s.name
}

// Breaker exposes the breaker for health reporting.
func (s *BreakerStore) Breaker() *breaker.Breaker {
	return s.breaker
}

func (s *BreakerStore) guard(fn func() error) error {
	ticket, err := s.breaker.Allow()
	if err != nil {
		return domain.ErrStorage(fmt.Sprintf("trace backend %s unavailable", s.name)).
			WithCode(domain.ErrorCodeCircuitOpen).
			WithCause(err)
	}
	err = fn()
	s.breaker.Record(ticket, backendFailure(err))
	return err
}

// backendFailure filters out errors that say nothing about backend health.
func backendFailure(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrRecordNotFound),
		domain.IsType(err, domain.ErrorTypeInvalidRequest),
		errors.Is(err, context.Canceled):
		return nil
	}
	return err
}

func (s *BreakerStore) SaveTrace(ctx context.Context, rec *domain.TraceRecord) error {
	return s.guard(func() error { return s.next.SaveTrace(ctx, rec) })
}

func (s *BreakerStore) GetTrace(ctx context.Context, id string) (*domain.TraceRecord, error) {
	var rec *domain.TraceRecord
	err := s.guard(func() error {
		var err error
		rec, err = s.next.GetTrace(ctx, id)
		return err
	})
	return rec, err
}

func (s *BreakerStore) ListTraces(ctx context.Context, filter domain.TraceFilter) ([]*domain.TraceRecord, error) {
	var out []*domain.TraceRecord
	err := s.guard(func() error {
		var err error
		out, err = s.next.ListTraces(ctx, filter)
		return err
	})
	return out, err
}

func (s *BreakerStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int, error) {
	var n int
	err := s.guard(func() error {
		var err error
		n, err = s.next.DeleteOlderThan(ctx, age)
		return err
	})
	return n, err
}

// Close closes the wrapped backend regardless of breaker state.
func (s *BreakerStore) Close() error {
	return s.next.Close()
}

type namedStore struct {
	ports.TraceStore
	name string
}

func nameOf(store ports.TraceStore, i int) string {
	if n, ok := store.(ports.NamedTraceStore); ok {
		return n.Name()
	}
	return fmt.Sprintf("backend%d", i)
}

// Manager writes each trace to the first backend that accepts it, in
// configured order, and reads across all of them.
type Manager struct {
	backends []namedStore
	logger   *slog.Logger
}

var _ ports.NamedTraceStore = (*Manager)(nil)

// NewManager creates a manager over primary followed by fallbacks.
func NewManager(logger *slog.Logger, primary ports.TraceStore, fallbacks ...ports.TraceStore) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	all := append([]ports.TraceStore{primary}, fallbacks...)
	m := &Manager{backends: make([]namedStore, 0, len(all)), logger: logger}
	for i, s := range all {
		m.backends = append(m.backends, namedStore{TraceStore: s, name: nameOf(s, i)})
	}
	return m
}

// Name returns "manager".
func (m *Manager) Name() string {
	return "manager"
}

// Backends returns the backend names in write order.
func (m *Manager) Backends() []string {
	names := make([]string, len(m.backends))
	for i, b := range m.backends {
		names[i] = b.name
	}
	return names
}

// SaveTrace succeeds as soon as one backend accepts the record. When every
// backend fails the causes are joined into one storage_unavailable error.
func (m *Manager) SaveTrace(ctx context.Context, rec *domain.TraceRecord) error {
	var errs []error
	for i, b := range m.backends {
		err := b.SaveTrace(ctx, rec)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
		m.logger.Warn("trace backend write failed",
			slog.String("backend", b.name),
			slog.String("trace_id", rec.ID),
			slog.String("error", err.Error()))
		if i < len(m.backends)-1 {
			metrics.StorageFallbacks.WithLabelValues(b.name).Inc()
		}
	}
	return domain.ErrStorage("all trace backends failed").
		WithCode(domain.ErrorCodeBackendsExhausted).
		WithCause(errors.Join(errs...))
}

// GetTrace returns the record from the first backend holding it.
func (m *Manager) GetTrace(ctx context.Context, id string) (*domain.TraceRecord, error) {
	var errs []error
	for _, b := range m.backends {
		rec, err := b.GetTrace(ctx, id)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, domain.ErrRecordNotFound) {
			errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
		}
	}
	if len(errs) == len(m.backends) {
		return nil, domain.ErrStorage("all trace backends failed").
			WithCode(domain.ErrorCodeBackendsExhausted).
			WithCause(errors.Join(errs...))
	}
	return nil, domain.ErrNotFound("trace not found: " + id)
}

// ListTraces merges results from every reachable backend, newest first.
func (m *Manager) ListTraces(ctx context.Context, filter domain.TraceFilter) ([]*domain.TraceRecord, error) {
	var (
		errs []error
		out  []*domain.TraceRecord
		seen = make(map[string]bool)
	)
	for _, b := range m.backends {
		recs, err := b.ListTraces(ctx, filter)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
			m.logger.Warn("trace backend list failed",
				slog.String("backend", b.name),
				slog.String("error", err.Error()))
			continue
		}
		for _, r := range recs {
			if !seen[r.ID] {
				seen[r.ID] = true
				out = append(out, r)
			}
		}
	}
	if len(errs) == len(m.backends) {
		return nil, domain.ErrStorage("all trace backends failed").
			WithCode(domain.ErrorCodeBackendsExhausted).
			WithCause(errors.Join(errs...))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeleteOlderThan prunes every backend and returns the total removed. A
// partial failure still reports what was removed.
func (m *Manager) DeleteOlderThan(ctx context.Context, age time.Duration) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, b := range m.backends {
		n, err := b.DeleteOlderThan(ctx, age)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
		}
	}
	if len(errs) > 0 {
		return total, domain.ErrStorage("trace pruning incomplete").WithCause(errors.Join(errs...))
	}
	return total, nil
}

// Close closes every backend.
func (m *Manager) Close() error {
	var errs []error
	for _, b := range m.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
		}
	}
	return errors.Join(errs...)
}
