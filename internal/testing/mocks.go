// Package testing provides mock implementations for use in tests.
// This package should only be imported by test files (*_test.go).
package testing

import (
	"context"
	"database/sql"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3" // Required for SQLite database driver in tests.

	"github.com/seedreap/formsync/internal/database"
	"github.com/seedreap/formsync/internal/storage"
)

// TestDriver is the database/sql driver used by test databases.
const TestDriver = "sqlite3"

// NewTestDB creates a migrated SQLite database in a temporary directory.
// The database is automatically closed when the test completes.
func NewTestDB(t *testing.T, migrations fs.FS) *sql.DB {
	t.Helper()

	db, err := sql.Open(TestDriver, "file:"+filepath.Join(t.TempDir(), "test.db")+"?_fk=1")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if err := database.Migrate(context.Background(), db, migrations); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// NewTestPaths returns a path provider rooted in a temporary directory with
// every project subdirectory created.
func NewTestPaths(t *testing.T) storage.PathProvider {
	t.Helper()

	root := t.TempDir()
	paths := storage.NewPathProvider(storage.Context{
		LegacyRoot: filepath.Join(root, "legacy"),
		ScopedRoot: filepath.Join(root, "scoped"),
	}, "test-project")
	if err := paths.EnsureDirs(); err != nil {
		t.Fatalf("failed to create storage directories: %v", err)
	}
	return paths
}

// WriteFile writes content to path, creating parent directories.
func WriteFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// MockDatabases records Close and Reopen calls and can be told to fail them.
type MockDatabases struct {
	mu    sync.Mutex
	calls []string

	CloseErr  error
	ReopenErr error
	OnClose   func()
	OnReopen  func()
}

// NewMockDatabases creates a database lifecycle mock.
func NewMockDatabases() *MockDatabases {
	return &MockDatabases{}
}

// Close records a close.
func (m *MockDatabases) Close() error {
	m.mu.Lock()
	m.calls = append(m.calls, "close")
	hook := m.OnClose
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	return m.CloseErr
}

// Reopen records a reopen.
func (m *MockDatabases) Reopen(_ context.Context) error {
	m.mu.Lock()
	m.calls = append(m.calls, "reopen")
	hook := m.OnReopen
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	return m.ReopenErr
}

// Calls returns the recorded calls in order.
func (m *MockDatabases) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	calls := make([]string, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// MockPathMigrator records path migrations and can be told to fail them.
type MockPathMigrator struct {
	mu    sync.Mutex
	calls []storage.PathProvider

	Err error
}

// NewMockPathMigrator creates a path migrator mock.
func NewMockPathMigrator() *MockPathMigrator {
	return &MockPathMigrator{}
}

// MigratePaths records the legacy provider it was called with.
func (m *MockPathMigrator) MigratePaths(_ context.Context, legacy, _ storage.PathProvider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, legacy)
	return m.Err
}

// CallCount returns how many times MigratePaths ran.
func (m *MockPathMigrator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
