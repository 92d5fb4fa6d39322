// Package store persists per-provider tracker state. Each tracker owns one
// store; every entry is overwritten in place on each mutation.
package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/extract-router/internal/model"
)

// Store persists one record per provider.
type Store[T any] interface {
	// Load returns every readable entry. Undecodable entries are skipped
	// and logged; a returned error means the backing document itself could
	// not be read.
	Load(ctx context.Context) (map[model.ProviderID]T, error)

	// Put replaces the entry for id. seq orders writes for the same
	// provider: a write whose seq is not newer than the last persisted one
	// is dropped without error.
	Put(ctx context.Context, id model.ProviderID, seq uint64, rec T) error

	// Close releases the backing resources.
	Close() error
}

// Kind names which tracker a store belongs to.
type Kind string

const (
	KindHealth  Kind = "health"
	KindQuality Kind = "quality"
)

// FileName is the JSON document name for the kind.
func (k Kind) FileName() string {
	return string(k) + "_metrics.json"
}

// Table is the SQL table name for the kind.
func (k Kind) Table() string {
	return "provider_" + string(k)
}

func (k Kind) valid() bool {
	return k == KindHealth || k == KindQuality
}

// Options selects and configures a store driver.
type Options struct {
	Driver      string      `yaml:"driver" mapstructure:"driver"` // json, sqlite or postgres
	Dir         string      `yaml:"dir" mapstructure:"dir"`
	DatabaseURL string      `yaml:"database_url" mapstructure:"database_url"`
	Pool        *PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// Open creates the store of the given kind for the configured driver.
func Open[T any](ctx context.Context, opts Options, kind Kind) (Store[T], error) {
	if !kind.valid() {
		return nil, eris.Errorf("store: unknown kind %q", kind)
	}
	switch opts.Driver {
	case "", "json":
		return NewJSONFile[T](filepath.Join(opts.Dir, kind.FileName())), nil
	case "sqlite":
		dsn := opts.DatabaseURL
		if dsn == "" {
			dsn = filepath.Join(opts.Dir, "metrics.db")
		}
		return NewSQLite[T](ctx, dsn, kind)
	case "postgres":
		return NewPostgres[T](ctx, opts.DatabaseURL, kind, opts.Pool)
	default:
		return nil, eris.Errorf("store: unknown driver %q", opts.Driver)
	}
}

// seqGuard tracks the newest persisted sequence per provider. Holding the
// guard across a write serializes all writes of one store.
type seqGuard struct {
	mu   sync.Mutex
	last map[model.ProviderID]uint64
}

func newSeqGuard() seqGuard {
	return seqGuard{last: make(map[model.ProviderID]uint64)}
}

// stale reports whether seq is not newer than the last persisted write.
// Callers hold mu.
func (g *seqGuard) stale(id model.ProviderID, seq uint64) bool {
	last, ok := g.last[id]
	return ok && seq <= last
}

func (g *seqGuard) commit(id model.ProviderID, seq uint64) {
	g.last[id] = seq
}

// decodeEntries decodes raw per-provider payloads, skipping the ones that
// fail to decode.
func decodeEntries[T any](raw map[string][]byte, source string) map[model.ProviderID]T {
	out := make(map[model.ProviderID]T, len(raw))
	for key, payload := range raw {
		var rec T
		if err := json.Unmarshal(payload, &rec); err != nil {
			zap.L().Warn("store: skipping unreadable entry",
				zap.String("source", source),
				zap.String("provider", key),
				zap.Error(err),
			)
			continue
		}
		out[model.ProviderID(key)] = rec
	}
	return out
}
