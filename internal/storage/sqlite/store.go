// Package sqlite provides an indexed trace store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/ports"
)

// Store is a SQLite implementation of ports.TraceStore. The full record is
// kept as JSON next to the columns used for filtering.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ ports.NamedTraceStore = (*Store)(nil)

// New creates a new SQLite store
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; concurrent SaveTrace calls queue on the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db, now: time.Now}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Name returns the backend name.
func (s *Store) Name() string {
	return "sqlite"
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS traces (
			id TEXT PRIMARY KEY,
			ts INTEGER NOT NULL,
			provider TEXT NOT NULL,
			mode TEXT NOT NULL,
			source TEXT NOT NULL,
			signature TEXT,
			session_id TEXT,
			status INTEGER NOT NULL DEFAULT 0,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_ts ON traces(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_provider ON traces(provider, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_session ON traces(session_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_signature ON traces(signature)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) SaveTrace(ctx context.Context, rec *domain.TraceRecord) error {
	if rec == nil || rec.ID == "" {
		return domain.ErrInvalidRequest("trace record requires an id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal trace: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT OR REPLACE INTO traces (id, ts, provider, mode, source, signature, session_id, status, data)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, query,
		rec.ID, rec.Timestamp.UnixNano(), string(rec.Provider), string(rec.Mode), string(rec.Source),
		rec.Signature, rec.SessionID, rec.Metadata.Status, string(data))
	if err != nil {
		return fmt.Errorf("failed to insert trace: %w", err)
	}

	return tx.Commit()
}

func (s *Store) GetTrace(ctx context.Context, id string) (*domain.TraceRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM traces WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound(fmt.Sprintf("trace %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trace: %w", err)
	}
	return decode(data)
}

func (s *Store) ListTraces(ctx context.Context, filter domain.TraceFilter) ([]*domain.TraceRecord, error) {
	var where []string
	var args []any
	if filter.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, string(filter.Provider))
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Signature != "" {
		where = append(where, "signature = ?")
		args = append(args, filter.Signature)
	}
	if !filter.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, filter.Until.UnixNano())
	}

	query := `SELECT data FROM traces`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query traces: %w", err)
	}
	defer rows.Close()

	var out []*domain.TraceRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan trace: %w", err)
		}
		rec, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := s.now().Add(-age).UnixNano()
	res, err := s.db.ExecContext(ctx, `DELETE FROM traces WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete traces: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted traces: %w", err)
	}
	return int(n), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func decode(data string) (*domain.TraceRecord, error) {
	var rec domain.TraceRecord
	if err := domain.UnmarshalJSON([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trace: %w", err)
	}
	return &rec, nil
}
