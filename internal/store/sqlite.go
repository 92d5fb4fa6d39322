package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/extract-router/internal/model"
)

// SQLite stores entries as rows of a per-kind table using modernc.org/sqlite.
// Each Put is a single upsert, so readers never observe a partial entry.
type SQLite[T any] struct {
	db    *sql.DB
	table string
	guard seqGuard
}

// NewSQLite opens a SQLite database at dsn, configures WAL mode and creates
// the table for kind.
func NewSQLite[T any](ctx context.Context, dsn string, kind Kind) (*SQLite[T], error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}

	s := &SQLite[T]{db: db, table: kind.Table(), guard: newSeqGuard()}
	if err := s.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

// Migrate creates the entry table if it does not exist.
func (s *SQLite[T]) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	provider   TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	updated_at DATETIME NOT NULL
)`, s.table))
	return eris.Wrapf(err, "sqlite: migrate %s", s.table)
}

// Load reads every row of the table.
func (s *SQLite[T]) Load(ctx context.Context) (map[model.ProviderID]T, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT provider, payload FROM %s`, s.table))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load %s", s.table)
	}
	defer rows.Close() //nolint:errcheck

	raw := make(map[string][]byte)
	for rows.Next() {
		var provider, payload string
		if err := rows.Scan(&provider, &payload); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", s.table)
		}
		raw[provider] = []byte(payload)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "sqlite: iterate %s", s.table)
	}
	return decodeEntries[T](raw, "sqlite:"+s.table), nil
}

// Put upserts the entry for id.
func (s *SQLite[T]) Put(ctx context.Context, id model.ProviderID, seq uint64, rec T) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrapf(err, "sqlite: marshal %s", id)
	}

	s.guard.mu.Lock()
	defer s.guard.mu.Unlock()

	if s.guard.stale(id, seq) {
		return nil
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (provider, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(provider) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		s.table),
		string(id), string(payload), time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert %s %s", s.table, id)
	}
	s.guard.commit(id, seq)
	return nil
}

// Close closes the database.
func (s *SQLite[T]) Close() error {
	return s.db.Close()
}
