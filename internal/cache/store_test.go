package cache

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(afero.NewMemMapFs(), "/cache/audio", nil)
	require.NoError(t, err)
	return store
}

func TestKey(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, Key("The lights vanished over the bay.", "bm_fable"),
			Key("The lights vanished over the bay.", "bm_fable"))
	})

	t.Run("fixed length hex", func(t *testing.T) {
		k := Key("hello", "af_heart")
		assert.Len(t, k, KeyLength)
		assert.True(t, ValidKey(k))
	})

	t.Run("differs by text and voice", func(t *testing.T) {
		base := Key("hello", "af_heart")
		assert.NotEqual(t, base, Key("hello!", "af_heart"))
		assert.NotEqual(t, base, Key("hello", "bm_fable"))
	})

	t.Run("separator cannot be re-split", func(t *testing.T) {
		assert.NotEqual(t, Key("a:b", "c"), Key("a", "b:c"))
	})

	t.Run("many distinct texts", func(t *testing.T) {
		seen := make(map[string]struct{})
		for i := range 2000 {
			k := Key(strings.Repeat("x", i), "v")
			_, dup := seen[k]
			require.False(t, dup)
			seen[k] = struct{}{}
		}
	})
}

func TestValidKey(t *testing.T) {
	assert.False(t, ValidKey(""))
	assert.False(t, ValidKey("../../etc/passwd"))
	assert.False(t, ValidKey(strings.Repeat("G", KeyLength)))
	assert.True(t, ValidKey(strings.Repeat("a", KeyLength)))
}

func TestStoreWriteLookupRemove(t *testing.T) {
	store := newTestStore(t)
	key := Key("hello", "v")

	_, ok := store.Lookup(key)
	assert.False(t, ok)

	p, err := store.Write(key, []byte("RIFF-one"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/cache/audio", key+".wav"), p)

	got, ok := store.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, p, got)

	// Overwrite replaces content in place.
	_, err = store.Write(key, []byte("RIFF-two"))
	require.NoError(t, err)
	data, err := afero.ReadFile(store.Fs(), p)
	require.NoError(t, err)
	assert.Equal(t, "RIFF-two", string(data))

	require.NoError(t, store.Remove(key))
	_, ok = store.Lookup(key)
	assert.False(t, ok)

	// Idempotent.
	assert.NoError(t, store.Remove(key))
}

func TestStoreWriteLeavesNoTempFiles(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Write(Key("a", "v"), []byte("data"))
	require.NoError(t, err)

	names, err := afero.ReadDir(store.Fs(), store.Dir())
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.False(t, strings.HasPrefix(names[0].Name(), tempPrefix))
}

func TestStoreList(t *testing.T) {
	store := newTestStore(t)
	k1, k2 := Key("one", "v"), Key("two", "v")
	_, err := store.Write(k1, []byte("1"))
	require.NoError(t, err)
	_, err = store.Write(k2, []byte("22"))
	require.NoError(t, err)

	// Noise that is not a cache entry.
	require.NoError(t, afero.WriteFile(store.Fs(), "/cache/audio/notes.txt", []byte("x"), 0o644))
	require.NoError(t, afero.WriteFile(store.Fs(), "/cache/audio/"+tempPrefix+"abc", []byte("x"), 0o644))
	require.NoError(t, store.Fs().Mkdir("/cache/audio/sub.wav", 0o755))

	entries, err := store.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	sizes := map[string]int64{}
	for _, e := range entries {
		sizes[e.Key] = e.Size
	}
	assert.Equal(t, map[string]int64{k1: 1, k2: 2}, sizes)
}

func TestNewStoreReadOnly(t *testing.T) {
	base := afero.NewMemMapFs()
	require.NoError(t, base.MkdirAll("/cache", 0o755))

	_, err := NewStore(afero.NewReadOnlyFs(base), "/cache", nil)
	assert.Error(t, err)
}

func TestNewStoreOnDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "audio")
	store, err := NewStore(afero.NewOsFs(), dir, nil)
	require.NoError(t, err)

	p, err := store.Write(Key("disk", "v"), []byte("wav"))
	require.NoError(t, err)
	_, err = os.Stat(p)
	assert.NoError(t, err)
}

// failingFs refuses to remove one path.
type failingFs struct {
	afero.Fs
	failPath string
}

func (f *failingFs) Remove(name string) error {
	if name == f.failPath {
		return errors.New("device busy")
	}
	return f.Fs.Remove(name)
}
