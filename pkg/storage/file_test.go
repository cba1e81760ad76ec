package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := NewFileKV(path)
	require.NoError(t, err)

	t.Run("missing key", func(t *testing.T) {
		_, ok, err := store.Get("nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, store.Set(KeyGroups, []byte(`{"groups":{}}`)))
		value, ok, err := store.Get(KeyGroups)
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `{"groups":{}}`, string(value))
	})

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, store.Set(KeyPinnedGroup, []byte(`1`)))
		require.NoError(t, store.Set(KeyPinnedGroup, []byte(`2`)))
		value, ok, err := store.Get(KeyPinnedGroup)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "2", string(value))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Set("gone", []byte(`true`)))
		require.NoError(t, store.Delete("gone"))
		_, ok, err := store.Get("gone")
		require.NoError(t, err)
		assert.False(t, ok)
		// Deleting again is not an error.
		require.NoError(t, store.Delete("gone"))
	})

	t.Run("survives reopen", func(t *testing.T) {
		require.NoError(t, store.Set(KeyDismissedGroups, []byte(`[5,6]`)))
		require.NoError(t, store.Close())

		reopened, err := NewFileKV(path)
		require.NoError(t, err)
		value, ok, err := reopened.Get(KeyDismissedGroups)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "[5,6]", string(value))
	})
}

func TestFileKVGetReturnsCopy(t *testing.T) {
	store, err := NewFileKV(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	require.NoError(t, store.Set("k", []byte(`"abc"`)))

	value, _, err := store.Get("k")
	require.NoError(t, err)
	value[1] = 'x'

	fresh, _, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, `"abc"`, string(fresh))
}

func TestFileKVCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0600))

	_, err := NewFileKV(path)
	assert.Error(t, err)
}

func TestFileKVCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.json")
	store, err := NewFileKV(path)
	require.NoError(t, err)
	require.NoError(t, store.Set("k", []byte(`1`)))

	_, err = os.Stat(path)
	assert.NoError(t, err)
}
