package restore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, store Store) {
	t.Run("missing entity", func(t *testing.T) {
		_, ok, err := store.LastKnownState("input_boolean.guest_mode")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("save and overwrite", func(t *testing.T) {
		require.NoError(t, store.SaveState("input_boolean.guest_mode", "on"))
		state, ok, err := store.LastKnownState("input_boolean.guest_mode")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "on", state)

		require.NoError(t, store.SaveState("input_boolean.guest_mode", "off"))
		state, _, err = store.LastKnownState("input_boolean.guest_mode")
		require.NoError(t, err)
		assert.Equal(t, "off", state)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.SaveState("input_boolean.guest_mode_zone_den", "on"))
		require.NoError(t, store.Delete("input_boolean.guest_mode_zone_den"))
		_, ok, err := store.LastKnownState("input_boolean.guest_mode_zone_den")
		require.NoError(t, err)
		assert.False(t, ok)

		// Deleting twice is fine
		assert.NoError(t, store.Delete("input_boolean.guest_mode_zone_den"))
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guestmode.db")
	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	testStore(t, store)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guestmode.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveState("input_boolean.guest_mode", "on"))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	state, ok, err := reopened.LastKnownState("input_boolean.guest_mode")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "on", state)
}
