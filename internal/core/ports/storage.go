// Package ports defines the interfaces between the replay core and its
// storage and transport adapters.
package ports

import (
	"context"
	"time"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
)

// TraceStore persists trace records.
// Implementations: flat file, SQLite, Badger, memory.
type TraceStore interface {
	// SaveTrace writes a trace record. A record with an existing ID replaces it.
	SaveTrace(ctx context.Context, rec *domain.TraceRecord) error

	// GetTrace retrieves a trace by ID. Missing records return an error
	// matching domain.ErrRecordNotFound.
	GetTrace(ctx context.Context, id string) (*domain.TraceRecord, error)

	// ListTraces returns records matching the filter, newest first.
	ListTraces(ctx context.Context, filter domain.TraceFilter) ([]*domain.TraceRecord, error)

	// DeleteOlderThan removes records whose timestamp is older than age and
	// returns how many were removed.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int, error)

	// Close releases the backend.
	Close() error
}

// NamedTraceStore is implemented by backends that report a name for logs and
// metrics.
type NamedTraceStore interface {
	TraceStore
	Name() string
}
