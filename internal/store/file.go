package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/extract-router/internal/model"
)

// lockRetry is how often a blocked Put retries the document lock.
const lockRetry = 10 * time.Millisecond

// JSONFile stores all entries in one JSON document keyed by provider id. The
// document is rewritten through a temporary file and an atomic rename, so a
// reader sees either the previous or the new document. Writers, including
// other processes, take an advisory lock on a sibling ".lock" file and merge
// their entry into the document currently on disk.
type JSONFile[T any] struct {
	path  string
	lock  *flock.Flock
	guard seqGuard
}

// NewJSONFile creates a store backed by the document at path. The file is
// created on first write.
func NewJSONFile[T any](path string) *JSONFile[T] {
	return &JSONFile[T]{
		path:  path,
		lock:  flock.New(path + ".lock"),
		guard: newSeqGuard(),
	}
}

// Path returns the document location.
func (s *JSONFile[T]) Path() string {
	return s.path
}

// Load reads the document. A missing file is an empty store.
func (s *JSONFile[T]) Load(_ context.Context) (map[model.ProviderID]T, error) {
	raw, err := s.read()
	if err != nil {
		return nil, err
	}
	payloads := make(map[string][]byte, len(raw))
	for k, v := range raw {
		payloads[k] = v
	}
	return decodeEntries[T](payloads, s.path), nil
}

// Put replaces the entry for id. Entries of other providers are taken from
// the document on disk, so writes from other processes survive.
func (s *JSONFile[T]) Put(ctx context.Context, id model.ProviderID, seq uint64, rec T) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrapf(err, "store: marshal %s", id)
	}

	s.guard.mu.Lock()
	defer s.guard.mu.Unlock()

	if s.guard.stale(id, seq) {
		return nil
	}

	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.read()
	if err != nil {
		zap.L().Warn("store: rewriting unreadable document", zap.String("path", s.path), zap.Error(err))
		doc = make(map[string]json.RawMessage)
	}
	doc[string(id)] = payload

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return eris.Wrap(err, "store: marshal document")
	}
	if err := WriteFileAtomic(s.path, append(data, '\n')); err != nil {
		return err
	}
	s.guard.commit(id, seq)
	return nil
}

// Close is a no-op; every Put is already durable.
func (s *JSONFile[T]) Close() error {
	return nil
}

func (s *JSONFile[T]) read() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: read %s", s.path)
	}
	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrapf(err, "store: parse %s", s.path)
	}
	return raw, nil
}

// acquire takes the cross-process document lock.
func (s *JSONFile[T]) acquire(ctx context.Context) (func(), error) {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "store: create dir %s", dir)
	}
	ok, err := s.lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return nil, eris.Wrapf(err, "store: lock %s", s.path)
	}
	if !ok {
		return nil, eris.Errorf("store: lock %s not acquired", s.path)
	}
	return func() {
		if err := s.lock.Unlock(); err != nil {
			zap.L().Warn("store: unlock", zap.String("path", s.path), zap.Error(err))
		}
	}, nil
}

// WriteFileAtomic writes data to a temporary sibling of path, syncs it and
// renames it over path.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "store: create dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return eris.Wrapf(err, "store: create temp for %s", path)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		cleanup()
		return eris.Wrapf(err, "store: write %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		cleanup()
		return eris.Wrapf(err, "store: sync %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return eris.Wrapf(err, "store: close %s", tmpName)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return eris.Wrapf(err, "store: chmod %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return eris.Wrapf(err, "store: replace %s", path)
	}
	return nil
}
