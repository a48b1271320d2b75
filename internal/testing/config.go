package testing

import (
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seedreap/formsync/internal/config"
)

// ValidConfig returns a fully populated, valid config.Config struct.
// The returned config passes all validation checks and can be used as a starting
// point for tests that need to modify specific fields.
//
// Storage roots live in a temporary directory removed when the test completes.
func ValidConfig(t *testing.T) config.Config {
	t.Helper()

	root := t.TempDir()

	return config.Config{
		Storage: config.StorageConfig{
			LegacyRoot: filepath.Join(root, "odk"),
			ScopedRoot: filepath.Join(root, "formsync"),
			StateFile:  filepath.Join(root, "formsync", config.DefaultStateFileName),
			ProjectID:  "test-project",
		},
		Server: config.ServerConfig{
			URL:         "https://odk.example.org",
			Username:    "collector",
			Password:    "secret",
			HTTPTimeout: config.DefaultHTTPTimeout,
		},
		Sync: config.SyncConfig{
			Enabled:      true,
			PollInterval: config.DefaultPollInterval,
		},
		AutoSend: config.AutoSendConfig{
			Enabled:  true,
			Interval: config.DefaultAutoSendInterval,
		},
		API: config.APIConfig{
			Listen: "127.0.0.1:0",
		},
		Database: config.DatabaseConfig{
			Driver: TestDriver,
		},
	}
}

// ValidConfigMinimal returns a minimal valid config with only storage roots
// and no form server.
func ValidConfigMinimal(t *testing.T) config.Config {
	t.Helper()

	root := t.TempDir()

	return config.Config{
		Storage: config.StorageConfig{
			LegacyRoot: filepath.Join(root, "odk"),
			ScopedRoot: filepath.Join(root, "formsync"),
			StateFile:  filepath.Join(root, "formsync", config.DefaultStateFileName),
		},
		Sync:     config.SyncConfig{PollInterval: time.Minute},
		AutoSend: config.AutoSendConfig{Interval: time.Minute},
		Database: config.DatabaseConfig{Driver: TestDriver},
	}
}

// ConfigToYAML converts a config.Config struct to a YAML string.
// This is useful for tests that need to load config via the YAML parser.
// Note: config.Config uses mapstructure tags which yaml.Marshal handles correctly.
func ConfigToYAML(t *testing.T, cfg config.Config) string {
	t.Helper()

	//nolint:musttag // config.Config uses mapstructure tags, yaml.Marshal uses field names
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("failed to marshal config to YAML: %v", err)
	}

	return string(data)
}
