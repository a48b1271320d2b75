package migration

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/seedreap/formsync/internal/changelock"
	"github.com/seedreap/formsync/internal/fileutil"
	"github.com/seedreap/formsync/internal/storage"
)

// Databases closes and reopens the catalog databases around file moves.
type Databases interface {
	Close() error
	Reopen(ctx context.Context) error
}

// PathMigrator rewrites file references stored in the moved databases.
type PathMigrator interface {
	MigratePaths(ctx context.Context, legacy, scoped storage.PathProvider) error
}

// CopyFunc copies the directory tree at src into dst.
type CopyFunc func(src, dst string) error

// Option is a functional option for configuring the migrator.
type Option func(*Migrator)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Migrator) {
		m.logger = logger
	}
}

// WithCopyFunc replaces the directory copy used to move files.
func WithCopyFunc(fn CopyFunc) Option {
	return func(m *Migrator) {
		m.copyTree = fn
	}
}

// Migrator moves one project's data from the legacy root into the scoped root.
type Migrator struct {
	state     *storage.StateProvider
	eraser    *storage.Eraser
	locks     changelock.Registry
	databases Databases
	paths     PathMigrator
	projectID string
	logger    zerolog.Logger
	copyTree  CopyFunc
}

// NewMigrator creates a migrator for projectID.
func NewMigrator(
	state *storage.StateProvider,
	eraser *storage.Eraser,
	locks changelock.Registry,
	databases Databases,
	paths PathMigrator,
	projectID string,
	opts ...Option,
) *Migrator {
	m := &Migrator{
		state:     state,
		eraser:    eraser,
		locks:     locks,
		databases: databases,
		paths:     paths,
		projectID: projectID,
		logger:    zerolog.Nop(),
		copyTree:  fileutil.CopyDir,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// PerformMigration runs one migration attempt. Busy locks and a lack of
// space abort before anything on disk is touched. The databases are closed
// while files move and reopened on every path that closed them.
//
// When rewriting database paths fails the legacy layout is re-activated but
// the copied files are left in the scoped tree; the next attempt clears them.
func (m *Migrator) PerformMigration(ctx context.Context) Result {
	logger := m.logger.With().Str("project_id", m.projectID).Logger()

	if m.locks.InstancesLock().IsLocked() {
		logger.Info().Str("owner", m.locks.InstancesLock().Owner()).Msg("instances are being changed, not migrating")
		return FormUploaderIsRunning
	}
	if m.locks.FormsLock().IsLocked() {
		logger.Info().Str("owner", m.locks.FormsLock().Owner()).Msg("forms are being changed, not migrating")
		return FormDownloaderIsRunning
	}

	enough, err := m.state.IsEnoughSpaceToPerformMigration()
	if err != nil {
		logger.Error().Err(err).Msg("failed to check free space")
		return NotEnoughSpace
	}
	if !enough {
		logger.Info().Msg("not enough space to migrate")
		return NotEnoughSpace
	}

	sctx := m.state.Context()
	legacy := storage.NewPathProvider(sctx.Legacy(), m.projectID)
	scoped := storage.NewPathProvider(sctx.WithScoped(), m.projectID)

	if err := m.eraser.ClearScopedProject(sctx, m.projectID); err != nil {
		logger.Error().Err(err).Msg("failed to clear scoped project directory")
		return MovingFilesFailed
	}

	if err := m.databases.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close databases before migration")
	}

	if result := m.moveFiles(legacy, scoped); result != MovingFilesSucceeded {
		m.reopen(ctx, logger)
		return result
	}

	if result := m.migrateDatabasePaths(ctx, legacy, scoped); result != MigratingDatabasePathsSucceeded {
		if err := m.state.DisableUsingScopedStorage(); err != nil {
			logger.Error().Err(err).Msg("failed to re-activate legacy storage")
		}
		m.reopen(ctx, logger)
		return result
	}

	if err := m.databases.Reopen(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to open migrated databases")
		if err := m.state.DisableUsingScopedStorage(); err != nil {
			logger.Error().Err(err).Msg("failed to re-activate legacy storage")
		}
		m.reopen(ctx, logger)
		return MigratingDatabasePathsFailed
	}

	if err := m.eraser.DeleteLegacyTree(sctx); err != nil {
		logger.Warn().Err(err).Msg("failed to delete legacy storage")
	}

	logger.Info().Str("root", scoped.ProjectRoot()).Msg("storage migration finished")
	return Success
}

func (m *Migrator) moveFiles(legacy, scoped storage.PathProvider) Result {
	for _, sub := range storage.ProjectSubdirectories() {
		src, dst := legacy.DirPath(sub), scoped.DirPath(sub)
		if err := m.copyTree(src, dst); err != nil {
			m.logger.Error().Err(err).Str("src", src).Str("dst", dst).Msg("failed to move files")
			return MovingFilesFailed
		}
	}

	m.logger.Debug().Str("root", scoped.ProjectRoot()).Msg("moved files")
	return MovingFilesSucceeded
}

func (m *Migrator) migrateDatabasePaths(ctx context.Context, legacy, scoped storage.PathProvider) Result {
	if err := m.state.EnableUsingScopedStorage(); err != nil {
		m.logger.Error().Err(err).Msg("failed to activate scoped storage")
		return MigratingDatabasePathsFailed
	}

	if err := m.paths.MigratePaths(ctx, legacy, scoped); err != nil {
		m.logger.Error().Err(err).Msg("failed to migrate database paths")
		return MigratingDatabasePathsFailed
	}

	return MigratingDatabasePathsSucceeded
}

func (m *Migrator) reopen(ctx context.Context, logger zerolog.Logger) {
	if err := m.databases.Reopen(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to reopen databases")
	}
}
