// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	DefaultHTTPTimeout      = 30 * time.Second
	DefaultPollInterval     = 15 * time.Minute
	DefaultAutoSendInterval = 5 * time.Minute
	DefaultDriver           = "sqlite"
	DefaultStateFileName    = "state.yaml"
)

// Config is the application configuration.
type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Server   ServerConfig   `mapstructure:"server"`
	Sync     SyncConfig     `mapstructure:"sync"`
	AutoSend AutoSendConfig `mapstructure:"autoSend"`
	API      APIConfig      `mapstructure:"api"`
	Database DatabaseConfig `mapstructure:"database"`
}

// StorageConfig holds the on-device storage layout.
type StorageConfig struct {
	LegacyRoot string `mapstructure:"legacyRoot"` // shared pre-migration root
	ScopedRoot string `mapstructure:"scopedRoot"` // per-project root, projects live under <scopedRoot>/projects
	StateFile  string `mapstructure:"stateFile"`  // defaults to <scopedRoot>/state.yaml
	ProjectID  string `mapstructure:"projectId"`  // overrides the id kept in the state file
}

// ServerConfig holds the form server connection.
type ServerConfig struct {
	URL         string        `mapstructure:"url"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	HTTPTimeout time.Duration `mapstructure:"httpTimeout"`
}

// SyncConfig holds form list synchronization settings.
type SyncConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"pollInterval"`
}

// AutoSendConfig holds background submission settings.
type AutoSendConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	SendAllForms bool          `mapstructure:"sendAllForms"` // send forms that do not opt in explicitly
}

// APIConfig holds HTTP API configuration.
type APIConfig struct {
	Listen string `mapstructure:"listen"`
}

// DatabaseConfig holds catalog database settings.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite" (modernc) or "sqlite3" (cgo)
}

// ServerConfigured reports whether a form server is set.
func (c Config) ServerConfigured() bool {
	return c.Server.URL != ""
}

// LoadOptions configures how configuration is loaded.
type LoadOptions struct {
	// ConfigFile is an explicit config file path. If empty, default locations are searched.
	ConfigFile string
}

// Load reads configuration from file and environment variables.
// If opts.ConfigFile is set, that file is used directly.
// Otherwise, it searches default locations: $HOME, current directory, /config
// for files named .formsync.yaml, formsync.yaml, or config.yaml.
//
// Environment variables with prefix FORMSYNC_ override config file values,
// e.g. FORMSYNC_SERVER_URL or FORMSYNC_STORAGE_SCOPEDROOT.
func Load(opts LoadOptions) (Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.AddConfigPath("/config")
		v.SetConfigType("yaml")
	}

	// Environment variables
	v.SetEnvPrefix("FORMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	// Set defaults
	v.SetDefault("storage.legacyRoot", "/data/odk")
	v.SetDefault("storage.scopedRoot", "/data/formsync")
	v.SetDefault("server.httpTimeout", DefaultHTTPTimeout)
	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.pollInterval", DefaultPollInterval)
	v.SetDefault("autoSend.enabled", false)
	v.SetDefault("autoSend.interval", DefaultAutoSendInterval)
	v.SetDefault("api.listen", "[::]:8424")
	v.SetDefault("database.driver", DefaultDriver)

	if err := readConfig(v, opts.ConfigFile != ""); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	setDerivedDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Config file names searched in order when no file is given.
//
//nolint:gochecknoglobals // search order lookup table
var configNames = []string{".formsync", "formsync", "config"}

// readConfig reads the explicit config file, or the first file found in the
// search paths. A missing file is only an error when it was given explicitly.
func readConfig(v *viper.Viper, explicit bool) error {
	if explicit {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		return nil
	}

	for _, name := range configNames {
		v.SetConfigName(name)
		err := v.ReadInConfig()
		if err == nil {
			return nil
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

// setDerivedDefaults applies defaults that depend on other values.
func setDerivedDefaults(cfg *Config) {
	if cfg.Storage.StateFile == "" && cfg.Storage.ScopedRoot != "" {
		cfg.Storage.StateFile = filepath.Join(cfg.Storage.ScopedRoot, DefaultStateFileName)
	}
	cfg.Server.URL = strings.TrimSuffix(cfg.Server.URL, "/")
}

// Valid database drivers.
//
//nolint:gochecknoglobals // validation lookup table
var validDrivers = map[string]bool{
	"sqlite":  true,
	"sqlite3": true,
}

// validate checks that the configuration is valid.
func validate(cfg *Config) error {
	var errs []error

	// Validate storage
	legacy, scoped := cfg.Storage.LegacyRoot, cfg.Storage.ScopedRoot
	if legacy == "" {
		errs = append(errs, errors.New("storage.legacyRoot is required"))
	}
	if scoped == "" {
		errs = append(errs, errors.New("storage.scopedRoot is required"))
	}
	if legacy != "" && scoped != "" {
		// The legacy tree is deleted after a migration.
		if within(scoped, legacy) {
			errs = append(errs, errors.New("storage.scopedRoot must not be inside storage.legacyRoot"))
		} else if within(legacy, scoped) {
			errs = append(errs, errors.New("storage.legacyRoot must not be inside storage.scopedRoot"))
		}
	}
	if strings.ContainsAny(cfg.Storage.ProjectID, `/\`) || cfg.Storage.ProjectID == ".." {
		errs = append(errs, fmt.Errorf("storage.projectId: invalid id %q", cfg.Storage.ProjectID))
	}

	// Validate server
	if cfg.Server.URL != "" {
		u, err := url.Parse(cfg.Server.URL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("server.url: invalid url: %w", err))
		case u.Scheme != "http" && u.Scheme != "https":
			errs = append(errs, fmt.Errorf("server.url: unsupported scheme %q", u.Scheme))
		case u.Host == "":
			errs = append(errs, errors.New("server.url: missing host"))
		}
	}
	if cfg.Server.Password != "" && cfg.Server.Username == "" {
		errs = append(errs, errors.New("server.username is required when server.password is set"))
	}
	if cfg.Server.HTTPTimeout < 0 {
		errs = append(errs, errors.New("server.httpTimeout must not be negative"))
	}

	// Validate background work
	if cfg.Sync.PollInterval <= 0 {
		errs = append(errs, errors.New("sync.pollInterval must be positive"))
	}
	if cfg.AutoSend.Interval <= 0 {
		errs = append(errs, errors.New("autoSend.interval must be positive"))
	}

	if !validDrivers[cfg.Database.Driver] {
		errs = append(errs, fmt.Errorf("database.driver: unknown driver %q", cfg.Database.Driver))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// within reports whether path equals dir or lies below it.
func within(path, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// envFields lists every config key for env var binding.
// This must be kept in sync with the Config struct.
// Tests verify this list matches the struct fields.
//
//nolint:gochecknoglobals // env var binding field list
var envFields = []string{
	"storage.legacyRoot",
	"storage.scopedRoot",
	"storage.stateFile",
	"storage.projectId",
	"server.url",
	"server.username",
	"server.password",
	"server.httpTimeout",
	"sync.enabled",
	"sync.pollInterval",
	"autoSend.enabled",
	"autoSend.interval",
	"autoSend.sendAllForms",
	"api.listen",
	"database.driver",
}

// bindEnvVars binds every key in envFields so keys without a default or a
// config file entry are still read from the environment.
func bindEnvVars(v *viper.Viper) {
	for _, key := range envFields {
		v.MustBindEnv(key)
	}
}
