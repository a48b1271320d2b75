// Package instances holds the local catalog of filled form instances.
package instances

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/seedreap/formsync/internal/database"
	"github.com/seedreap/formsync/internal/storage"
)

// ErrNotFound is returned when no instance matches a lookup.
var ErrNotFound = errors.New("instance not found")

// Status is the lifecycle state of an instance.
type Status string

// Instance statuses.
const (
	StatusIncomplete       Status = "incomplete"
	StatusComplete         Status = "complete"
	StatusSubmitted        Status = "submitted"
	StatusSubmissionFailed Status = "submission_failed"
)

// Instance is a filled form.
type Instance struct {
	DBID                 int64
	DisplayName          string
	FormID               string
	FormVersion          string
	InstanceFilePath     string // absolute when read from a Repository
	Status               Status
	LastStatusChangeDate time.Time
	DeletedDate          *time.Time
}

// Repository is the persisted instance catalog.
type Repository interface {
	Get(ctx context.Context, id int64) (Instance, error)
	GetAll(ctx context.Context) ([]Instance, error)
	GetAllByStatus(ctx context.Context, statuses ...Status) ([]Instance, error)
	// CountByFormIDAndVersion counts instances that are not deleted.
	CountByFormIDAndVersion(ctx context.Context, formID, version string) (int, error)
	Save(ctx context.Context, instance Instance) (Instance, error)
	UpdateStatus(ctx context.Context, id int64, status Status) error
	// MarkDeleted records that the instance files were removed. The row is kept.
	MarkDeleted(ctx context.Context, id int64) error
}

const instanceColumns = `id, display_name, form_id, form_version, instance_file_path, status,
	last_status_change_date, deleted_date`

// SQLiteRepository stores instances in the instances catalog database.
// Instance paths are stored relative to the instances directory.
type SQLiteRepository struct {
	handle database.Handle
	paths  storage.PathSource
	logger zerolog.Logger
	now    func() time.Time
}

// Option is a functional option for configuring the repository.
type Option func(*SQLiteRepository)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *SQLiteRepository) {
		r.logger = logger
	}
}

// WithClock overrides the time source used for status changes.
func WithClock(now func() time.Time) Option {
	return func(r *SQLiteRepository) {
		r.now = now
	}
}

// NewSQLiteRepository creates a repository over handle resolving paths through paths.
func NewSQLiteRepository(handle database.Handle, paths storage.PathSource, opts ...Option) *SQLiteRepository {
	r := &SQLiteRepository{
		handle: handle,
		paths:  paths,
		logger: zerolog.Nop(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *SQLiteRepository) instancesDir() string {
	return r.paths.Paths().DirPath(storage.Instances)
}

// Get implements Repository.
func (r *SQLiteRepository) Get(ctx context.Context, id int64) (Instance, error) {
	all, err := r.query(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	if err != nil {
		return Instance{}, err
	}
	if len(all) == 0 {
		return Instance{}, ErrNotFound
	}
	return all[0], nil
}

// GetAll implements Repository.
func (r *SQLiteRepository) GetAll(ctx context.Context) ([]Instance, error) {
	return r.query(ctx, `SELECT `+instanceColumns+` FROM instances ORDER BY id`)
}

// GetAllByStatus implements Repository. Deleted instances are excluded.
func (r *SQLiteRepository) GetAllByStatus(ctx context.Context, statuses ...Status) ([]Instance, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	query := `SELECT ` + instanceColumns + ` FROM instances WHERE deleted_date IS NULL AND status IN (?`
	args := []any{string(statuses[0])}
	for _, s := range statuses[1:] {
		query += `, ?`
		args = append(args, string(s))
	}
	return r.query(ctx, query+`) ORDER BY id`, args...)
}

// CountByFormIDAndVersion implements Repository.
func (r *SQLiteRepository) CountByFormIDAndVersion(ctx context.Context, formID, version string) (int, error) {
	db, err := r.handle.DB()
	if err != nil {
		return 0, err
	}

	var n int
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM instances WHERE form_id = ? AND form_version = ? AND deleted_date IS NULL`,
		formID, version).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count instances: %w", err)
	}
	return n, nil
}

// Save implements Repository.
func (r *SQLiteRepository) Save(ctx context.Context, inst Instance) (Instance, error) {
	if inst.InstanceFilePath == "" {
		return Instance{}, errors.New("instance file path is required")
	}
	if inst.Status == "" {
		inst.Status = StatusIncomplete
	}
	if inst.LastStatusChangeDate.IsZero() {
		inst.LastStatusChangeDate = r.now()
	}

	db, err := r.handle.DB()
	if err != nil {
		return Instance{}, err
	}

	var deleted sql.NullInt64
	if inst.DeletedDate != nil {
		deleted = sql.NullInt64{Int64: inst.DeletedDate.UnixMilli(), Valid: true}
	}
	args := []any{
		inst.DisplayName, inst.FormID, inst.FormVersion,
		storage.Relativize(r.instancesDir(), inst.InstanceFilePath),
		string(inst.Status), inst.LastStatusChangeDate.UnixMilli(), deleted,
	}

	if inst.DBID == 0 {
		res, err := db.ExecContext(ctx, `INSERT INTO instances (
			display_name, form_id, form_version, instance_file_path, status,
			last_status_change_date, deleted_date
		) VALUES (?, ?, ?, ?, ?, ?, ?)`, args...)
		if err != nil {
			return Instance{}, fmt.Errorf("failed to insert instance: %w", err)
		}
		if inst.DBID, err = res.LastInsertId(); err != nil {
			return Instance{}, fmt.Errorf("failed to read instance id: %w", err)
		}
	} else {
		res, err := db.ExecContext(ctx, `UPDATE instances SET
			display_name = ?, form_id = ?, form_version = ?, instance_file_path = ?, status = ?,
			last_status_change_date = ?, deleted_date = ?
		WHERE id = ?`, append(args, inst.DBID)...)
		if err != nil {
			return Instance{}, fmt.Errorf("failed to update instance %d: %w", inst.DBID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return Instance{}, ErrNotFound
		}
	}

	return r.Get(ctx, inst.DBID)
}

// UpdateStatus implements Repository.
func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id int64, status Status) error {
	db, err := r.handle.DB()
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx,
		`UPDATE instances SET status = ?, last_status_change_date = ? WHERE id = ?`,
		string(status), r.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update instance %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	r.logger.Debug().Int64("id", id).Str("status", string(status)).Msg("instance status changed")
	return nil
}

// MarkDeleted implements Repository.
func (r *SQLiteRepository) MarkDeleted(ctx context.Context, id int64) error {
	db, err := r.handle.DB()
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `UPDATE instances SET deleted_date = ? WHERE id = ?`, r.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to delete instance %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) query(ctx context.Context, query string, args ...any) ([]Instance, error) {
	db, err := r.handle.DB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	dir := r.instancesDir()
	var out []Instance
	for rows.Next() {
		var (
			inst    Instance
			status  string
			changed int64
			deleted sql.NullInt64
		)
		if err := rows.Scan(&inst.DBID, &inst.DisplayName, &inst.FormID, &inst.FormVersion,
			&inst.InstanceFilePath, &status, &changed, &deleted); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}

		inst.Status = Status(status)
		inst.LastStatusChangeDate = time.UnixMilli(changed)
		inst.InstanceFilePath = storage.Absolutize(dir, inst.InstanceFilePath)
		if deleted.Valid {
			t := time.UnixMilli(deleted.Int64)
			inst.DeletedDate = &t
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read instances: %w", err)
	}

	return out, nil
}

// MigrateDatabasePaths rewrites absolute instance paths under the legacy
// instances directory into paths relative to it.
func MigrateDatabasePaths(ctx context.Context, db *sql.DB, legacy storage.PathProvider) error {
	dir := legacy.DirPath(storage.Instances)

	return database.WithTx(ctx, db, func(ctx context.Context, tx database.DBTX) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, instance_file_path FROM instances`)
		if err != nil {
			return fmt.Errorf("failed to query instance paths: %w", err)
		}

		updates := map[int64]string{}
		for rows.Next() {
			var (
				id   int64
				path string
			)
			if err := rows.Scan(&id, &path); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan instance path: %w", err)
			}
			if rel := storage.Relativize(dir, path); rel != path {
				updates[id] = rel
			}
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to read instance paths: %w", err)
		}
		_ = rows.Close()

		for id, rel := range updates {
			if _, err := tx.ExecContext(ctx,
				`UPDATE instances SET instance_file_path = ? WHERE id = ?`, rel, id); err != nil {
				return fmt.Errorf("failed to migrate path of instance %d: %w", id, err)
			}
		}
		return nil
	})
}
