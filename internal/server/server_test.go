package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedreap/formsync/internal/config"
	"github.com/seedreap/formsync/internal/events"
	"github.com/seedreap/formsync/internal/migration"
	"github.com/seedreap/formsync/internal/server"
	"github.com/seedreap/formsync/internal/settings"
	testutil "github.com/seedreap/formsync/internal/testing"
)

func newServer(t *testing.T, cfg config.Config) *server.Server {
	t.Helper()

	srv, err := server.New(t.Context(), cfg, server.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

// --- Construction Tests ---

func TestServerNew_GeneratesProjectID(t *testing.T) {
	cfg := testutil.ValidConfigMinimal(t)

	srv := newServer(t, cfg)
	id := srv.ProjectID()
	require.NotEmpty(t, id)

	store, err := settings.Open(cfg.Storage.StateFile)
	require.NoError(t, err)
	assert.Equal(t, id, store.Get().ProjectID)

	require.NoError(t, srv.Close())

	// The persisted id is reused.
	again := newServer(t, cfg)
	assert.Equal(t, id, again.ProjectID())
}

func TestServerNew_ConfiguredProjectIDWins(t *testing.T) {
	cfg := testutil.ValidConfig(t)
	cfg.Storage.ProjectID = "district-7"

	srv := newServer(t, cfg)
	assert.Equal(t, "district-7", srv.ProjectID())

	store, err := settings.Open(cfg.Storage.StateFile)
	require.NoError(t, err)
	assert.Equal(t, "district-7", store.Get().ProjectID)
}

func TestServerNew_CreatesLegacyDirectories(t *testing.T) {
	cfg := testutil.ValidConfig(t)

	srv := newServer(t, cfg)

	assert.False(t, srv.Storage().IsScopedStorageUsed())
	for _, dir := range []string{"forms", "instances", "metadata", ".cache"} {
		assert.DirExists(t, filepath.Join(cfg.Storage.LegacyRoot, dir))
	}
	assert.FileExists(t, filepath.Join(cfg.Storage.LegacyRoot, "metadata", "forms.db"))
}

func TestServerNew_PurgesStaleStaging(t *testing.T) {
	cfg := testutil.ValidConfig(t)
	stale := filepath.Join(cfg.Storage.LegacyRoot, ".cache", "staging-census-123")
	testutil.WriteFile(t, filepath.Join(stale, "form.xml"), "<h:html/>")

	newServer(t, cfg)

	assert.NoDirExists(t, stale)
}

func TestServerSync_NoFormServer(t *testing.T) {
	srv := newServer(t, testutil.ValidConfigMinimal(t))

	err := srv.Sync(t.Context())
	require.ErrorIs(t, err, server.ErrNoFormServer)

	_, err = srv.SendInstances(t.Context())
	require.ErrorIs(t, err, server.ErrNoFormServer)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/forms/sync", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// --- End-to-end Tests ---

func TestServer_SyncThenMigrate(t *testing.T) {
	ctx := t.Context()

	openrosa := testutil.NewOpenRosaServer()
	t.Cleanup(openrosa.Close)
	openrosa.RequireAuth("collector", "secret")
	openrosa.AddForm(testutil.ServerForm{
		FormID:  "census",
		Name:    "Census",
		Version: "1",
		XML:     testutil.XForm{Title: "Census", FormID: "census", Version: "1"}.String(),
		Media:   map[string]string{"villages.csv": "name\nA\nB\n"},
	})

	cfg := testutil.ValidConfig(t)
	cfg.Server.URL = openrosa.URL
	cfg.AutoSend.Enabled = false

	srv := newServer(t, cfg)

	require.NoError(t, srv.Sync(ctx))

	installed, err := srv.Catalog().FormsRepository().GetAllNotDeleted(ctx)
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.True(t, strings.HasPrefix(installed[0].FormFilePath, cfg.Storage.LegacyRoot))
	assert.FileExists(t, filepath.Join(installed[0].FormMediaPath, "villages.csv"))

	result, err := srv.Migrate(ctx)
	require.NoError(t, err)
	require.Equal(t, migration.Success, result)
	assert.True(t, srv.Storage().IsScopedStorageUsed())

	projectRoot := filepath.Join(cfg.Storage.ScopedRoot, "projects", srv.ProjectID())
	migrated, err := srv.Catalog().FormsRepository().GetAllNotDeleted(ctx)
	require.NoError(t, err)
	require.Len(t, migrated, 1)
	assert.True(t, strings.HasPrefix(migrated[0].FormFilePath, projectRoot))
	assert.FileExists(t, migrated[0].FormFilePath)
	assert.FileExists(t, filepath.Join(migrated[0].FormMediaPath, "villages.csv"))

	_, err = os.Stat(filepath.Join(cfg.Storage.LegacyRoot, "forms"))
	assert.True(t, os.IsNotExist(err), "legacy forms directory should be gone")

	_, err = srv.Migrate(ctx)
	require.ErrorIs(t, err, migration.ErrAlreadyMigrated)

	// Synchronizing again against the scoped layout is a no-op.
	before := openrosa.RequestCount("/forms/census/form.xml")
	require.NoError(t, srv.Sync(ctx))
	assert.Equal(t, before, openrosa.RequestCount("/forms/census/form.xml"))
}

func TestServer_RunAndShutdown(t *testing.T) {
	cfg := testutil.ValidConfigMinimal(t)
	cfg.API.Listen = "127.0.0.1:0"

	srv, err := server.New(t.Context(), cfg, server.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)

	sub := srv.EventBus().Subscribe(events.SystemStarted)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	select {
	case ev := <-sub:
		assert.Equal(t, srv.ProjectID(), ev.Data["project_id"])
	case <-time.After(time.Second):
		t.Fatal("system.started was not published")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	require.NoError(t, srv.Shutdown(shutdownCtx))
}
