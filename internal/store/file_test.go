package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/extract-router/internal/model"
)

type testRecord struct {
	Name  string  `json:"name"`
	Count int     `json:"count"`
	Score float64 `json:"score"`
}

func TestJSONFile_MissingFileIsEmpty(t *testing.T) {
	s := NewJSONFile[testRecord](filepath.Join(t.TempDir(), "none.json"))
	got, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestJSONFile_PutAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "health_metrics.json")

	s := NewJSONFile[testRecord](path)
	require.NoError(t, s.Put(ctx, "anthropic", 1, testRecord{Name: "a", Count: 3, Score: 0.1 + 0.2}))
	require.NoError(t, s.Put(ctx, "openai", 1, testRecord{Name: "o", Count: 7}))

	reloaded := NewJSONFile[testRecord](path)
	got, err := reloaded.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[model.ProviderID]testRecord{
		"anthropic": {Name: "a", Count: 3, Score: 0.1 + 0.2},
		"openai":    {Name: "o", Count: 7},
	}, got)

	// Writing through a reloaded store keeps the other entries.
	require.NoError(t, reloaded.Put(ctx, "openai", 1, testRecord{Name: "o", Count: 8}))
	got, err = NewJSONFile[testRecord](path).Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 8, got["openai"].Count)
}

func TestJSONFile_StaleWriteDropped(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "q.json")
	s := NewJSONFile[testRecord](path)

	require.NoError(t, s.Put(ctx, "mistral", 5, testRecord{Count: 5}))
	require.NoError(t, s.Put(ctx, "mistral", 4, testRecord{Count: 4}))
	require.NoError(t, s.Put(ctx, "mistral", 5, testRecord{Count: 55}))

	got, err := NewJSONFile[testRecord](path).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, got["mistral"].Count)
}

func TestJSONFile_NoTempFilesLeft(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewJSONFile[testRecord](filepath.Join(dir, "h.json"))
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.Put(ctx, "anthropic", i, testRecord{Count: int(i)}))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"h.json", "h.json.lock"}, names)
}

func TestJSONFile_WritersShareDocument(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "quality_metrics.json")

	// Two stores on one path, as a long-running server and a one-shot
	// command would hold.
	server := NewJSONFile[testRecord](path)
	_, err := server.Load(ctx)
	require.NoError(t, err)

	command := NewJSONFile[testRecord](path)
	require.NoError(t, command.Put(ctx, "anthropic", 1, testRecord{Count: 100}))

	require.NoError(t, server.Put(ctx, "openai", 1, testRecord{Count: 0}))

	got, err := NewJSONFile[testRecord](path).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[model.ProviderID]testRecord{
		"anthropic": {Count: 100},
		"openai":    {Count: 0},
	}, got)
}

func TestJSONFile_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "h.json")
	ids := []model.ProviderID{"anthropic", "mistral", "openai"}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := NewJSONFile[testRecord](path)
			for i := uint64(1); i <= 20; i++ {
				assert.NoError(t, s.Put(ctx, id, i, testRecord{Name: string(id), Count: int(i)}))
			}
		}()
	}
	wg.Wait()

	got, err := NewJSONFile[testRecord](path).Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, id := range ids {
		assert.Equal(t, 20, got[id].Count, string(id))
	}
}

func TestJSONFile_PutRewritesCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	require.NoError(t, NewJSONFile[testRecord](path).Put(context.Background(), "openai", 1, testRecord{Count: 1}))
	got, err := NewJSONFile[testRecord](path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[model.ProviderID]testRecord{"openai": {Count: 1}}, got)
}

func TestJSONFile_CorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewJSONFile[testRecord](path).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store: parse")
}

func TestJSONFile_CorruptEntrySkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h.json")
	doc := `{"anthropic": {"name": "a", "count": 2}, "openai": {"count": "many"}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	got, err := NewJSONFile[testRecord](path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[model.ProviderID]testRecord{"anthropic": {Name: "a", Count: 2}}, got)
}

func TestJSONFile_WriteFailureKeepsPreviousState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	// The parent of the document is a regular file, so the write must fail.
	s := NewJSONFile[testRecord](filepath.Join(blocker, "h.json"))
	err := s.Put(ctx, "anthropic", 1, testRecord{Count: 1})
	require.Error(t, err)

	// The failed sequence was not committed.
	assert.False(t, s.guard.stale("anthropic", 1))
}

func TestOpen_Drivers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	js, err := Open[testRecord](ctx, Options{Dir: dir}, KindHealth)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "health_metrics.json"), js.(*JSONFile[testRecord]).Path())

	sq, err := Open[testRecord](ctx, Options{Driver: "sqlite", Dir: dir}, KindQuality)
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() }) //nolint:errcheck
	assert.IsType(t, &SQLite[testRecord]{}, sq)

	_, err = Open[testRecord](ctx, Options{Driver: "etcd"}, KindHealth)
	assert.ErrorContains(t, err, "unknown driver")

	_, err = Open[testRecord](ctx, Options{}, Kind("cost"))
	assert.ErrorContains(t, err, "unknown kind")
}

func TestKindNames(t *testing.T) {
	assert.Equal(t, "quality_metrics.json", KindQuality.FileName())
	assert.Equal(t, "provider_health", KindHealth.Table())
}
