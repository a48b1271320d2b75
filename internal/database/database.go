// Package database opens the SQLite catalogs, applies their schema
// migrations and lets callers close and reopen them around file moves.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	// SQLite driver.
	_ "modernc.org/sqlite"
)

// DefaultDriver is the database/sql driver used unless overridden.
const DefaultDriver = "sqlite"

// ErrClosed is returned when a closed catalog is used.
var ErrClosed = errors.New("database is closed")

// Handle gives repositories access to the current connection pool.
type Handle interface {
	DB() (*sql.DB, error)
}

// Option is a functional option for configuring the manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithDriver overrides the database/sql driver name.
func WithDriver(driver string) Option {
	return func(m *Manager) {
		m.driver = driver
	}
}

// Open opens a SQLite database and applies migrations from fsys.
// dsn is either a file path or a SQLite URI such as "file:x?mode=memory".
func Open(ctx context.Context, driver, dsn string, migrations fs.FS) (*sql.DB, error) {
	if !isMemory(dsn) {
		if err := os.MkdirAll(filepath.Dir(dsn), 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time; also keeps in-memory databases on a single connection.
	db.SetMaxOpenConns(1)

	if err = configureSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err = Migrate(ctx, db, migrations); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate applies all pending migrations from fsys.
func Migrate(ctx context.Context, db *sql.DB, migrations fs.FS) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	if _, err = provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// configureSQLite applies SQLite-specific PRAGMA settings.
func configureSQLite(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return nil
}

func isMemory(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// Manager owns one catalog database whose file location can change while
// the process runs. The path is resolved every time the catalog is opened.
type Manager struct {
	name       string
	driver     string
	dsn        func() string
	migrations fs.FS
	logger     zerolog.Logger

	mu sync.RWMutex
	db *sql.DB
}

// NewManager creates a manager for the catalog called name. dsn is called on
// every (re)open to locate the database file.
func NewManager(name string, migrations fs.FS, dsn func() string, opts ...Option) *Manager {
	m := &Manager{
		name:       name,
		driver:     DefaultDriver,
		dsn:        dsn,
		migrations: migrations,
		logger:     zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Name returns the catalog name.
func (m *Manager) Name() string {
	return m.name
}

// Driver returns the database/sql driver name.
func (m *Manager) Driver() string {
	return m.driver
}

// Migrations returns the schema migrations of the catalog.
func (m *Manager) Migrations() fs.FS {
	return m.migrations
}

// DB implements Handle.
func (m *Manager) DB() (*sql.DB, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.db == nil {
		return nil, fmt.Errorf("%s: %w", m.name, ErrClosed)
	}
	return m.db, nil
}

// Open opens the catalog at its current location. Opening an open catalog is a no-op.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db != nil {
		return nil
	}
	return m.openLocked(ctx)
}

func (m *Manager) openLocked(ctx context.Context) error {
	dsn := m.dsn()
	db, err := Open(ctx, m.driver, dsn, m.migrations)
	if err != nil {
		return fmt.Errorf("%s: %w", m.name, err)
	}

	m.db = db
	m.logger.Debug().Str("database", m.name).Str("dsn", dsn).Msg("opened database")
	return nil
}

// Close closes the catalog. Closing a closed catalog is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

func (m *Manager) closeLocked() error {
	if m.db == nil {
		return nil
	}

	err := m.db.Close()
	m.db = nil
	if err != nil {
		return fmt.Errorf("failed to close %s: %w", m.name, err)
	}

	m.logger.Debug().Str("database", m.name).Msg("closed database")
	return nil
}

// Reopen closes the catalog, if open, and opens it at its current location.
func (m *Manager) Reopen(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.closeLocked(); err != nil {
		m.logger.Warn().Err(err).Str("database", m.name).Msg("failed to close database before reopening")
	}
	return m.openLocked(ctx)
}

type static struct {
	db *sql.DB
}

// Static wraps an already open pool as a Handle.
func Static(db *sql.DB) Handle {
	return static{db: db}
}

func (s static) DB() (*sql.DB, error) {
	return s.db, nil
}
