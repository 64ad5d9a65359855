package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/breaker"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/ports"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/pkg/config"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/storage/memory"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/storage/storagetest"
)

// failingStore returns err from every call and counts calls.
type failingStore struct {
	name string
	err  error

	mu    sync.Mutex
	calls int
}

func (f *failingStore) hit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *failingStore) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *failingStore) Name() string { return f.name }

func (f *failingStore) SaveTrace(context.Context, *domain.TraceRecord) error { return f.hit() }

func (f *failingStore) GetTrace(context.Context, string) (*domain.TraceRecord, error) {
	return nil, f.hit()
}

func (f *failingStore) ListTraces(context.Context, domain.TraceFilter) ([]*domain.TraceRecord, error) {
	return nil, f.hit()
}

func (f *failingStore) DeleteOlderThan(context.Context, time.Duration) (int, error) {
	return 0, f.hit()
}

func (f *failingStore) Close() error { return nil }

func TestBreakerStore_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) ports.TraceStore {
		return WithBreaker(memory.New(), breaker.Config{})
	})
}

func TestManager_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) ports.TraceStore {
		return NewManager(nil, memory.New())
	})
}

func TestBreakerStore_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	diskFull := errors.New("disk full")
	backend := &failingStore{name: "flaky", err: diskFull}
	s := WithBreaker(backend, breaker.Config{FailureThreshold: 2, Cooldown: time.Hour})

	rec := storagetest.NewRecord("t-1", time.Now(), domain.ProviderOpenAI, "")
	for i := 0; i < 2; i++ {
		if err := s.SaveTrace(ctx, rec); !errors.Is(err, diskFull) {
			t.Fatalf("SaveTrace() #%d error = %v, want disk full", i, err)
		}
	}
	if s.Breaker().State() != breaker.Open {
		t.Fatalf("State() = %v, want open", s.Breaker().State())
	}

	err := s.SaveTrace(ctx, rec)
	if !errors.Is(err, &domain.APIError{Type: domain.ErrorTypeStorageUnavailable, Code: domain.ErrorCodeCircuitOpen}) {
		t.Fatalf("SaveTrace() error = %v, want circuit_open", err)
	}
	if backend.Calls() != 2 {
		t.Errorf("backend calls = %d, want 2 (open breaker must not call through)", backend.Calls())
	}
	if s.Name() != "flaky" {
		t.Errorf("Name() = %q, want flaky", s.Name())
	}
}

func TestBreakerStore_NotFoundIsHealthy(t *testing.T) {
	ctx := context.Background()
	s := WithBreaker(memory.New(), breaker.Config{FailureThreshold: 1})

	for i := 0; i < 3; i++ {
		if _, err := s.GetTrace(ctx, "missing"); !errors.Is(err, domain.ErrRecordNotFound) {
			t.Fatalf("GetTrace() error = %v, want not found", err)
		}
	}
	if s.Breaker().State() != breaker.Closed {
		t.Errorf("State() = %v, want closed", s.Breaker().State())
	}
}

func TestManager_FallbackOrder(t *testing.T) {
	ctx := context.Background()
	primary := &failingStore{name: "primary", err: errors.New("locked")}
	second := memory.New()
	third := memory.New()
	m := NewManager(nil, primary, second, third)

	rec := storagetest.NewRecord("t-1", time.Now(), domain.ProviderAnthropic, "")
	if err := m.SaveTrace(ctx, rec); err != nil {
		t.Fatalf("SaveTrace() error = %v", err)
	}
	if primary.Calls() != 1 {
		t.Errorf("primary calls = %d, want 1", primary.Calls())
	}
	if _, err := second.GetTrace(ctx, "t-1"); err != nil {
		t.Errorf("first fallback GetTrace() error = %v, want record", err)
	}
	if _, err := third.GetTrace(ctx, "t-1"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("second fallback GetTrace() error = %v, want not found", err)
	}

	got, err := m.GetTrace(ctx, "t-1")
	if err != nil {
		t.Fatalf("Manager.GetTrace() error = %v", err)
	}
	if got.ID != "t-1" {
		t.Errorf("GetTrace().ID = %q", got.ID)
	}

	if names := m.Backends(); len(names) != 3 || names[0] != "primary" || names[1] != "memory" {
		t.Errorf("Backends() = %v", names)
	}
}

func TestManager_AllBackendsFail(t *testing.T) {
	ctx := context.Background()
	errA := errors.New("a down")
	errB := errors.New("b down")
	m := NewManager(nil, &failingStore{name: "a", err: errA}, &failingStore{name: "b", err: errB})

	err := m.SaveTrace(ctx, storagetest.NewRecord("t-1", time.Now(), domain.ProviderOpenAI, ""))
	if !errors.Is(err, &domain.APIError{Type: domain.ErrorTypeStorageUnavailable, Code: domain.ErrorCodeBackendsExhausted}) {
		t.Fatalf("SaveTrace() error = %v, want backends_exhausted", err)
	}
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("SaveTrace() error = %v, want both causes joined", err)
	}

	if _, err := m.GetTrace(ctx, "t-1"); !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Errorf("GetTrace() error = %v, want storage unavailable", err)
	}
	if _, err := m.ListTraces(ctx, domain.TraceFilter{}); !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Errorf("ListTraces() error = %v, want storage unavailable", err)
	}
}

func TestManager_ListMergesBackends(t *testing.T) {
	ctx := context.Background()
	a, b := memory.New(), memory.New()
	m := NewManager(nil, a, b)
	base := time.Now().UTC().Truncate(time.Millisecond)

	if err := a.SaveTrace(ctx, storagetest.NewRecord("old", base.Add(-2*time.Minute), domain.ProviderOpenAI, "")); err != nil {
		t.Fatal(err)
	}
	if err := b.SaveTrace(ctx, storagetest.NewRecord("new", base, domain.ProviderOpenAI, "")); err != nil {
		t.Fatal(err)
	}
	if err := b.SaveTrace(ctx, storagetest.NewRecord("mid", base.Add(-time.Minute), domain.ProviderOpenAI, "")); err != nil {
		t.Fatal(err)
	}

	got, err := m.ListTraces(ctx, domain.TraceFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListTraces() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "mid" {
		ids := make([]string, len(got))
		for i, r := range got {
			ids[i] = r.ID
		}
		t.Errorf("ListTraces() ids = %v, want [new mid]", ids)
	}
}

func TestManager_ListToleratesOneFailure(t *testing.T) {
	ctx := context.Background()
	good := memory.New()
	m := NewManager(nil, &failingStore{name: "bad", err: errors.New("x")}, good)
	if err := good.SaveTrace(ctx, storagetest.NewRecord("t-1", time.Now(), domain.ProviderOpenAI, "")); err != nil {
		t.Fatal(err)
	}
	got, err := m.ListTraces(ctx, domain.TraceFilter{})
	if err != nil {
		t.Fatalf("ListTraces() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("ListTraces() len = %d, want 1", len(got))
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(config.StorageConfig{
		Primary: config.BackendConfig{Type: "sqlite", Path: filepath.Join(dir, "traces.db")},
		Fallbacks: []config.BackendConfig{
			{Type: "file", Path: filepath.Join(dir, "traces")},
			{Type: "memory"},
		},
		Breaker: config.BreakerConfig{FailureThreshold: 3, Cooldown: time.Second},
	}, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer m.Close()

	names := m.Backends()
	want := []string{"sqlite", "file", "memory"}
	if len(names) != len(want) {
		t.Fatalf("Backends() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Backends()[%d] = %q, want %q", i, names[i], want[i])
		}
	}

	ctx := context.Background()
	if err := m.SaveTrace(ctx, storagetest.NewRecord("t-1", time.Now(), domain.ProviderOpenAI, "")); err != nil {
		t.Fatalf("SaveTrace() error = %v", err)
	}
	if _, err := m.GetTrace(ctx, "t-1"); err != nil {
		t.Errorf("GetTrace() error = %v", err)
	}
}

func TestOpenBackend_Unknown(t *testing.T) {
	if _, err := OpenBackend(config.BackendConfig{Type: "postgres"}, nil); err == nil {
		t.Fatal("OpenBackend(postgres) error = nil, want error")
	}
}
