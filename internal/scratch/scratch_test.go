package scratch

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreWriteReadDelete(t *testing.T) {
	store := New(t.TempDir())

	values := []map[string]interface{}{
		{"dataElement": "de1", "value": "5"},
		{"dataElement": "de2", "value": "7"},
	}

	path, err := store.Write("config-1", values)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(path) || filepath.Dir(path) != "")

	read, err := store.Read(path)
	require.NoError(t, err)
	assert.Equal(t, values, read)

	require.NoError(t, store.Delete(path))

	_, err = store.Read(path)
	assert.Error(t, err)
}

func TestStoreReadEmptyDataValuesIsError(t *testing.T) {
	store := New(t.TempDir())
	path, err := store.Write("config-1", nil)
	require.NoError(t, err)

	_, err = store.Read(path)
	assert.Error(t, err)
}

func TestStoreDeleteMissingFileIsNotAnError(t *testing.T) {
	store := New(t.TempDir())
	assert.NoError(t, store.Delete(filepath.Join(store.BaseDir, "config-1", "does-not-exist.json")))
	assert.NoError(t, store.Delete(""))
}

func TestNewDefaultsBaseDir(t *testing.T) {
	store := New("")
	assert.Equal(t, "outputs", store.BaseDir)
}
