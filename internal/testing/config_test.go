package testing_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedreap/formsync/internal/config"
	testutil "github.com/seedreap/formsync/internal/testing"
)

func loadYAML(t *testing.T, content string) (config.Config, error) {
	t.Helper()

	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(content), 0600))
	return config.Load(config.LoadOptions{ConfigFile: tmpFile})
}

func TestValidConfig(t *testing.T) {
	cfg := testutil.ValidConfig(t)

	// Write the config to a temp file and load it to verify it's valid
	loaded, err := loadYAML(t, testutil.ConfigToYAML(t, cfg))
	require.NoError(t, err, "ValidConfig should produce a valid config")

	assert.Equal(t, cfg.Storage, loaded.Storage)
	assert.Equal(t, cfg.Server, loaded.Server)
	assert.Equal(t, cfg.Sync, loaded.Sync)
	assert.Equal(t, cfg.AutoSend, loaded.AutoSend)
	assert.True(t, loaded.ServerConfigured())
}

func TestValidConfigMinimal(t *testing.T) {
	cfg := testutil.ValidConfigMinimal(t)

	loaded, err := loadYAML(t, testutil.ConfigToYAML(t, cfg))
	require.NoError(t, err, "ValidConfigMinimal should produce a valid config")

	assert.False(t, loaded.ServerConfigured())
	assert.Equal(t, filepath.Join(cfg.Storage.ScopedRoot, config.DefaultStateFileName), loaded.Storage.StateFile)
}

func TestConfigToYAML(t *testing.T) {
	out := testutil.ConfigToYAML(t, testutil.ValidConfig(t))
	assert.Contains(t, out, "https://odk.example.org")
	assert.Contains(t, out, "test-project")
}
