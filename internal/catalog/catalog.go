// Package catalog groups the forms and instances databases of a project so
// they can be opened, closed and migrated together.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/seedreap/formsync/internal/database"
	"github.com/seedreap/formsync/internal/database/migrations"
	"github.com/seedreap/formsync/internal/forms"
	"github.com/seedreap/formsync/internal/instances"
	"github.com/seedreap/formsync/internal/storage"
)

// Database file names inside the metadata directory.
const (
	FormsDBName     = "forms.db"
	InstancesDBName = "instances.db"
)

// Option is a functional option for configuring the catalog.
type Option func(*Catalog)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Catalog) {
		c.logger = logger
	}
}

// WithDriver overrides the database/sql driver.
func WithDriver(driver string) Option {
	return func(c *Catalog) {
		c.driver = driver
	}
}

// Catalog owns the forms and instances databases.
type Catalog struct {
	paths     storage.PathSource
	driver    string
	logger    zerolog.Logger
	forms     *database.Manager
	instances *database.Manager
}

// New creates a catalog whose database files live in the metadata directory
// of whatever storage root paths resolves to.
func New(paths storage.PathSource, opts ...Option) *Catalog {
	c := &Catalog{
		paths:  paths,
		driver: database.DefaultDriver,
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	dbOpts := []database.Option{
		database.WithLogger(c.logger),
		database.WithDriver(c.driver),
	}
	c.forms = database.NewManager("forms", migrations.Forms(), c.location(FormsDBName), dbOpts...)
	c.instances = database.NewManager("instances", migrations.Instances(), c.location(InstancesDBName), dbOpts...)

	return c
}

func (c *Catalog) location(name string) func() string {
	return func() string {
		return filepath.Join(c.paths.Paths().DirPath(storage.Metadata), name)
	}
}

// Forms returns the forms database.
func (c *Catalog) Forms() *database.Manager {
	return c.forms
}

// Instances returns the instances database.
func (c *Catalog) Instances() *database.Manager {
	return c.instances
}

// FormsRepository returns a forms repository backed by this catalog.
func (c *Catalog) FormsRepository() *forms.SQLiteRepository {
	return forms.NewSQLiteRepository(c.forms, c.paths, forms.WithLogger(c.logger))
}

// InstancesRepository returns an instances repository backed by this catalog.
func (c *Catalog) InstancesRepository() *instances.SQLiteRepository {
	return instances.NewSQLiteRepository(c.instances, c.paths, instances.WithLogger(c.logger))
}

// Open opens both databases.
func (c *Catalog) Open(ctx context.Context) error {
	if err := c.forms.Open(ctx); err != nil {
		return err
	}
	if err := c.instances.Open(ctx); err != nil {
		_ = c.forms.Close()
		return err
	}
	return nil
}

// Close closes both databases.
func (c *Catalog) Close() error {
	return errors.Join(c.forms.Close(), c.instances.Close())
}

// Reopen reopens both databases at their current location.
func (c *Catalog) Reopen(ctx context.Context) error {
	return errors.Join(c.forms.Reopen(ctx), c.instances.Reopen(ctx))
}

// MigratePaths rewrites the absolute legacy paths stored in the database
// files under scoped so they become relative. The files are opened with
// short-lived connections; the managed databases are expected to be closed.
func (c *Catalog) MigratePaths(ctx context.Context, legacy, scoped storage.PathProvider) error {
	dir := scoped.DirPath(storage.Metadata)

	if err := c.migrateFile(ctx, filepath.Join(dir, FormsDBName), c.forms, func(ctx context.Context, path string) error {
		db, err := database.Open(ctx, c.driver, path, c.forms.Migrations())
		if err != nil {
			return err
		}
		defer db.Close()
		return forms.MigrateDatabasePaths(ctx, db, legacy)
	}); err != nil {
		return err
	}

	return c.migrateFile(ctx, filepath.Join(dir, InstancesDBName), c.instances, func(ctx context.Context, path string) error {
		db, err := database.Open(ctx, c.driver, path, c.instances.Migrations())
		if err != nil {
			return err
		}
		defer db.Close()
		return instances.MigrateDatabasePaths(ctx, db, legacy)
	})
}

func (c *Catalog) migrateFile(
	ctx context.Context,
	path string,
	m *database.Manager,
	fn func(ctx context.Context, path string) error,
) error {
	if err := fn(ctx, path); err != nil {
		return fmt.Errorf("failed to migrate paths in %s database: %w", m.Name(), err)
	}

	c.logger.Debug().Str("database", m.Name()).Str("path", path).Msg("migrated database paths")
	return nil
}
