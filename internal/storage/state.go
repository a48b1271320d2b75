package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/seedreap/formsync/internal/fileutil"
	"github.com/seedreap/formsync/internal/settings"
)

// SpaceFunc reports the bytes available to the caller on the volume holding path.
type SpaceFunc func(path string) (uint64, error)

// StateProvider tracks whether the scoped layout is active and answers disk
// space questions for a migration.
type StateProvider struct {
	legacyRoot string
	scopedRoot string
	store      *settings.Store
	space      SpaceFunc
}

// StateOption is a functional option for configuring the state provider.
type StateOption func(*StateProvider)

// WithSpaceFunc replaces the free space query, mainly for tests.
func WithSpaceFunc(fn SpaceFunc) StateOption {
	return func(p *StateProvider) {
		p.space = fn
	}
}

// NewStateProvider creates a provider for the two roots backed by store.
func NewStateProvider(legacyRoot, scopedRoot string, store *settings.Store, opts ...StateOption) *StateProvider {
	p := &StateProvider{
		legacyRoot: legacyRoot,
		scopedRoot: scopedRoot,
		store:      store,
		space:      AvailableSpace,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// IsScopedStorageUsed reports whether the scoped layout is active.
func (p *StateProvider) IsScopedStorageUsed() bool {
	return p.store.Get().ScopedStorageUsed
}

// EnableUsingScopedStorage persists the scoped layout as active.
func (p *StateProvider) EnableUsingScopedStorage() error {
	return p.setScoped(true)
}

// DisableUsingScopedStorage persists the legacy layout as active.
func (p *StateProvider) DisableUsingScopedStorage() error {
	return p.setScoped(false)
}

func (p *StateProvider) setScoped(scoped bool) error {
	if err := p.store.Update(func(s *settings.State) { s.ScopedStorageUsed = scoped }); err != nil {
		return fmt.Errorf("failed to persist storage layout: %w", err)
	}
	return nil
}

// Context returns the storage context for the currently active layout.
func (p *StateProvider) Context() Context {
	return Context{
		LegacyRoot: p.legacyRoot,
		ScopedRoot: p.scopedRoot,
		Scoped:     p.IsScopedStorageUsed(),
	}
}

// Project returns a PathSource that follows the active layout for projectID.
func (p *StateProvider) Project(projectID string) PathSource {
	return projectPaths{state: p, projectID: projectID}
}

type projectPaths struct {
	state     *StateProvider
	projectID string
}

func (pp projectPaths) Paths() PathProvider {
	return NewPathProvider(pp.state.Context(), pp.projectID)
}

// IsEnoughSpaceToPerformMigration reports whether the scoped volume has more
// free bytes than the legacy tree occupies.
func (p *StateProvider) IsEnoughSpaceToPerformMigration() (bool, error) {
	available, err := p.space(p.scopedRoot)
	if err != nil {
		return false, fmt.Errorf("failed to query free space: %w", err)
	}

	required, err := fileutil.DirSize(p.legacyRoot)
	if err != nil {
		return false, fmt.Errorf("failed to measure legacy storage: %w", err)
	}

	return available > uint64(required), nil //nolint:gosec // sizes are never negative
}

// existingAncestor walks up from path until it finds something that exists,
// since the scoped root is usually created by the migration itself.
func existingAncestor(path string) (string, error) {
	path = filepath.Clean(path)
	for {
		_, err := os.Stat(path)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}

		parent := filepath.Dir(path)
		if parent == path {
			return "", err
		}
		path = parent
	}
}
