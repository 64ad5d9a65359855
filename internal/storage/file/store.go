// Package file provides a trace store keeping one JSON file per trace.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/ports"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/pkg/fsutil"
)

const fileExt = ".json"

// Store writes each trace to <dir>/<id>.json with an atomic rename.
type Store struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

var _ ports.NamedTraceStore = (*Store)(nil)

// New creates a file store rooted at dir.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("trace directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger, now: time.Now}, nil
}

// Name returns the backend name.
func (s *Store) Name() string {
	return "file"
}

func (s *Store) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", domain.ErrInvalidRequest(fmt.Sprintf("invalid trace id %q", id))
	}
	return filepath.Join(s.dir, id+fileExt), nil
}

func (s *Store) SaveTrace(ctx context.Context, rec *domain.TraceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil {
		return domain.ErrInvalidRequest("nil trace record")
	}
	path, err := s.path(rec.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal trace: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write trace: %w", err)
	}
	return nil
}

func (s *Store) GetTrace(ctx context.Context, id string) (*domain.TraceRecord, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	rec, err := s.read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.ErrNotFound(fmt.Sprintf("trace %s not found", id))
	}
	return rec, err
}

func (s *Store) read(path string) (*domain.TraceRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec domain.TraceRecord
	if err := domain.UnmarshalJSON(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trace %s: %w", filepath.Base(path), err)
	}
	return &rec, nil
}

// scan reads every trace file. Unreadable files are logged and skipped so a
// single bad file does not hide the rest.
func (s *Store) scan(ctx context.Context) ([]*domain.TraceRecord, []string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read trace directory: %w", err)
	}
	var recs []*domain.TraceRecord
	var paths []string
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		name := e.Name()
		if e.IsDir() || fsutil.IsTempFile(name) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		path := filepath.Join(s.dir, name)
		rec, err := s.read(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("skipping unreadable trace file",
					slog.String("file", name),
					slog.String("error", err.Error()))
			}
			continue
		}
		recs = append(recs, rec)
		paths = append(paths, path)
	}
	return recs, paths, nil
}

func (s *Store) ListTraces(ctx context.Context, filter domain.TraceFilter) ([]*domain.TraceRecord, error) {
	recs, _, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp.After(recs[j].Timestamp) })

	out := make([]*domain.TraceRecord, 0, len(recs))
	for _, rec := range recs {
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
	recs, paths, err := s.scan(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for i, rec := range recs {
		if !rec.Timestamp.Before(cutoff) {
			continue
		}
		if err := os.Remove(paths[i]); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove trace %s: %w", rec.ID, err)
		}
		removed++
	}
	return removed, nil
}

// Close is a no-op for the file store.
func (s *Store) Close() error {
	return nil
}
