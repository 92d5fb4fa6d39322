package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/extract-router/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// Postgres stores entries as jsonb rows of a per-kind table.
type Postgres[T any] struct {
	pool  Pool
	table string
	guard seqGuard
}

// NewPostgres connects a pool and creates the table for kind.
func NewPostgres[T any](ctx context.Context, connString string, kind Kind, poolCfg *PoolConfig) (*Postgres[T], error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}

	s := newPostgresWithPool[T](pool, kind)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newPostgresWithPool[T any](pool Pool, kind Kind) *Postgres[T] {
	return &Postgres[T]{pool: pool, table: kind.Table(), guard: newSeqGuard()}
}

// Migrate creates the entry table if it does not exist.
func (s *Postgres[T]) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	provider   TEXT PRIMARY KEY,
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, s.table))
	return eris.Wrapf(err, "postgres: migrate %s", s.table)
}

// Load reads every row of the table.
func (s *Postgres[T]) Load(ctx context.Context) (map[model.ProviderID]T, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT provider, payload FROM %s`, s.table))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load %s", s.table)
	}
	defer rows.Close()

	raw := make(map[string][]byte)
	for rows.Next() {
		var provider string
		var payload []byte
		if err := rows.Scan(&provider, &payload); err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", s.table)
		}
		raw[provider] = payload
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "postgres: iterate %s", s.table)
	}
	return decodeEntries[T](raw, "postgres:"+s.table), nil
}

// Put upserts the entry for id.
func (s *Postgres[T]) Put(ctx context.Context, id model.ProviderID, seq uint64, rec T) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal %s", id)
	}

	s.guard.mu.Lock()
	defer s.guard.mu.Unlock()

	if s.guard.stale(id, seq) {
		return nil
	}

	_, err = s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (provider, payload, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (provider) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		s.table),
		string(id), payload, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert %s %s", s.table, id)
	}
	s.guard.commit(id, seq)
	return nil
}

// Close closes the pool.
func (s *Postgres[T]) Close() error {
	s.pool.Close()
	return nil
}
