// Package settings persists process-wide client state in a small YAML file.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// State is the persisted client state.
type State struct {
	// ScopedStorageUsed records whether the per-project storage layout is active.
	ScopedStorageUsed bool `yaml:"scopedStorageUsed"`

	// ProjectID is the id of the project whose data lives in the scoped root.
	ProjectID string `yaml:"projectId,omitempty"`

	// LastMigrationResult is the result code of the most recent storage migration.
	LastMigrationResult string `yaml:"lastMigrationResult,omitempty"`

	// LastMigrationAt is when the most recent storage migration finished.
	LastMigrationAt time.Time `yaml:"lastMigrationAt,omitempty"`

	// LastFormListSyncAt is when the form list was last synchronized successfully.
	LastFormListSyncAt time.Time `yaml:"lastFormListSyncAt,omitempty"`
}

// Store reads and writes State to a file. Writes go through a temp file and
// a rename so a crash never leaves a truncated state file behind.
type Store struct {
	path  string
	mu    sync.RWMutex
	state State
}

// Open loads the state file at path. A missing file yields the zero State.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	if err = yaml.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	return s, nil
}

// NewMemory returns a Store that is never written to disk.
func NewMemory(initial State) *Store {
	return &Store{state: initial}
}

// Path returns the backing file path, empty for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

// Get returns a copy of the current state.
func (s *Store) Get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Update applies fn to a copy of the state and persists the result.
// The in-memory state only changes if persisting succeeds.
func (s *Store) Update(fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state
	fn(&next)

	if s.path != "" {
		if err := write(s.path, next); err != nil {
			return err
		}
	}

	s.state = next
	return nil
}

func write(path string, st State) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write state: %w", err)
	}

	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
