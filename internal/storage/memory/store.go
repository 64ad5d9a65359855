// Package memory provides an in-memory trace store for tests and development.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/ports"
)

// Store is an in-memory implementation of ports.TraceStore. Records are
// stored as encoded JSON so callers never share memory with the store.
type Store struct {
	mu     sync.RWMutex
	traces map[string]stored
	now    func() time.Time
}

type stored struct {
	timestamp time.Time
	data      []byte
}

var _ ports.NamedTraceStore = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		traces: make(map[string]stored),
		now:    time.Now,
	}
}

// Name returns the backend name.
func (s *Store) Name() string {
	return "memory"
}

func (s *Store) SaveTrace(ctx context.Context, rec *domain.TraceRecord) error {
	if rec == nil || rec.ID == "" {
		return domain.ErrInvalidRequest("trace record requires an id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal trace: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[rec.ID] = stored{timestamp: rec.Timestamp, data: data}
	return nil
}

func (s *Store) GetTrace(ctx context.Context, id string) (*domain.TraceRecord, error) {
	s.mu.RLock()
	st, ok := s.traces[id]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound(fmt.Sprintf("trace %s not found", id))
	}
	return decode(st.data)
}

func (s *Store) ListTraces(ctx context.Context, filter domain.TraceFilter) ([]*domain.TraceRecord, error) {
	s.mu.RLock()
	all := make([]stored, 0, len(s.traces))
	for _, st := range s.traces {
		all = append(all, st)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].timestamp.After(all[j].timestamp) })

	var out []*domain.TraceRecord
	for _, st := range all {
		rec, err := decode(st.data)
		if err != nil {
			return nil, err
		}
		if !filter.Matches(rec) {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) DeleteOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := s.now().Add(-age)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, st := range s.traces {
		if st.timestamp.Before(cutoff) {
			delete(s.traces, id)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

func decode(data []byte) (*domain.TraceRecord, error) {
	var rec domain.TraceRecord
	if err := domain.UnmarshalJSON(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trace: %w", err)
	}
	return &rec, nil
}
