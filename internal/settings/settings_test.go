package settings_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedreap/formsync/internal/settings"
)

func TestStore(t *testing.T) {
	t.Run("MissingFileYieldsZeroState", func(t *testing.T) {
		store, err := settings.Open(filepath.Join(t.TempDir(), "state.yaml"))
		require.NoError(t, err)
		assert.Equal(t, settings.State{}, store.Get())
	})

	t.Run("UpdatePersists", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "state.yaml")
		store, err := settings.Open(path)
		require.NoError(t, err)

		finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, store.Update(func(s *settings.State) {
			s.ScopedStorageUsed = true
			s.ProjectID = "7d2b3f1e-1111-2222-3333-444455556666"
			s.LastMigrationResult = "SUCCESS"
			s.LastMigrationAt = finished
		}))

		reopened, err := settings.Open(path)
		require.NoError(t, err)
		got := reopened.Get()
		assert.True(t, got.ScopedStorageUsed)
		assert.Equal(t, "7d2b3f1e-1111-2222-3333-444455556666", got.ProjectID)
		assert.Equal(t, "SUCCESS", got.LastMigrationResult)
		assert.True(t, finished.Equal(got.LastMigrationAt))
	})

	t.Run("FailedWriteKeepsPreviousState", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "state.yaml")
		store, err := settings.Open(path)
		require.NoError(t, err)

		require.NoError(t, os.Chmod(dir, 0500))
		t.Cleanup(func() { _ = os.Chmod(dir, 0700) })

		err = store.Update(func(s *settings.State) { s.ScopedStorageUsed = true })
		if os.Geteuid() == 0 {
			t.Skip("root ignores directory permissions")
		}
		require.Error(t, err)
		assert.False(t, store.Get().ScopedStorageUsed)
	})

	t.Run("CorruptFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state.yaml")
		require.NoError(t, os.WriteFile(path, []byte("scopedStorageUsed: [oops"), 0600))

		_, err := settings.Open(path)
		require.Error(t, err)
	})

	t.Run("Memory", func(t *testing.T) {
		store := settings.NewMemory(settings.State{ProjectID: "p"})
		require.NoError(t, store.Update(func(s *settings.State) { s.ScopedStorageUsed = true }))
		assert.True(t, store.Get().ScopedStorageUsed)
		assert.Empty(t, store.Path())
	})
}
