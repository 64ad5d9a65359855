// Package badger provides a trace store on the Badger embedded key-value
// database.
package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/ports"
)

// Key layout:
//
//	t/<id>                 -> trace JSON
//	i/<ts 20 digits>/<id>  -> empty (time index)
var (
	tracePrefix = []byte("t/")
	indexPrefix = []byte("i/")
)

// Config configures the badger store.
type Config struct {
	// Path is the database directory. Required unless InMemory.
	Path string

	// InMemory keeps all data in memory; used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval runs value log GC periodically. Zero disables it.
	GCInterval time.Duration

	Logger *slog.Logger
}

// Store is a Badger implementation of ports.TraceStore.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time
	stopGC chan struct{}
	doneGC chan struct{}
}

var _ ports.NamedTraceStore = (*Store)(nil)

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens or creates the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db, logger: logger, now: time.Now}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

// Name returns the backend name.
func (s *Store) Name() string {
	return "badger"
}

func traceKey(id string) []byte {
	return append(append([]byte{}, tracePrefix...), id...)
}

func indexKey(ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", indexPrefix, ts.UnixNano(), id))
}

// idFromIndex extracts the trace id from an index key.
func idFromIndex(key []byte) string {
	rest := key[len(indexPrefix):]
	if i := bytes.IndexByte(rest, '/'); i >= 0 {
		return string(rest[i+1:])
	}
	return ""
}

func (s *Store) SaveTrace(ctx context.Context, rec *domain.TraceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil || rec.ID == "" {
		return domain.ErrInvalidRequest("trace record requires an id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		// A replaced record may have a different timestamp; drop its old index entry.
		if prev, err := getTrace(txn, rec.ID); err == nil {
			if err := txn.Delete(indexKey(prev.Timestamp, prev.ID)); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(traceKey(rec.ID), data); err != nil {
			return err
		}
		return txn.Set(indexKey(rec.Timestamp, rec.ID), nil)
	})
}

func getTrace(txn *badger.Txn, id string) (*domain.TraceRecord, error) {
	item, err := txn.Get(traceKey(id))
	if err != nil {
		return nil, err
	}
	var rec domain.TraceRecord
	err = item.Value(func(val []byte) error {
		return domain.UnmarshalJSON(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshal trace %s: %w", id, err)
	}
	return &rec, nil
}

func (s *Store) GetTrace(ctx context.Context, id string) (*domain.TraceRecord, error) {
	var rec *domain.TraceRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getTrace(txn, id)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.ErrNotFound(fmt.Sprintf("trace %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("get trace: %w", err)
	}
	return rec, nil
}

// ListTraces walks the time index newest first.
func (s *Store) ListTraces(ctx context.Context, filter domain.TraceFilter) ([]*domain.TraceRecord, error) {
	var out []*domain.TraceRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Index keys sort by timestamp; start just below Until.
		seek := append(append([]byte{}, indexPrefix...), 0xFF)
		if !filter.Until.IsZero() {
			seek = []byte(fmt.Sprintf("%s%020d", indexPrefix, filter.Until.UnixNano()))
		}

		for it.Seek(seek); it.ValidForPrefix(indexPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := getTrace(txn, idFromIndex(it.Item().Key()))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !filter.Since.IsZero() && rec.Timestamp.Before(filter.Since) {
				break
			}
			if !filter.Matches(rec) {
				continue
			}
			out = append(out, rec)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	return out, nil
}

// DeleteOlderThan walks the time index oldest first and removes every record
// before the cutoff in a write batch.
func (s *Store) DeleteOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := s.now().Add(-age).UnixNano()
	limit := []byte(fmt.Sprintf("%s%020d", indexPrefix, cutoff))

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(indexPrefix); it.ValidForPrefix(indexPrefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if bytes.Compare(key, limit) >= 0 {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan traces: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := wb.Delete(traceKey(idFromIndex(key))); err != nil {
			return 0, fmt.Errorf("delete trace: %w", err)
		}
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("delete index: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flush deletes: %w", err)
	}
	return len(keys), nil
}

func (s *Store) runGC(interval time.Duration) {
	defer close(s.doneGC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops background GC and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
	}
	return s.db.Close()
}
