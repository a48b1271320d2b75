package forms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/seedreap/formsync/internal/database"
	"github.com/seedreap/formsync/internal/fileutil"
	"github.com/seedreap/formsync/internal/storage"
)

const formColumns = `id, display_name, description, form_id, version, form_file_path,
	form_media_path, submission_uri, public_key, auto_send, auto_delete, geometry_xpath,
	language, md5_hash, date, deleted, last_detected_attachments_update_date, uses_entities`

// Option is a functional option for configuring the repository.
type Option func(*SQLiteRepository)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *SQLiteRepository) {
		r.logger = logger
	}
}

// WithClock overrides the time source used for form dates.
func WithClock(now func() time.Time) Option {
	return func(r *SQLiteRepository) {
		r.now = now
	}
}

// SQLiteRepository stores forms in the forms catalog database. File paths are
// stored relative to the forms directory of whatever storage root is current.
type SQLiteRepository struct {
	handle database.Handle
	paths  storage.PathSource
	logger zerolog.Logger
	now    func() time.Time
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

func (r *SQLiteRepository) formsDir() string {
	return r.paths.Paths().DirPath(storage.Forms)
}

// Get implements Repository.
func (r *SQLiteRepository) Get(ctx context.Context, id int64) (Form, error) {
	return r.queryOne(ctx, `SELECT `+formColumns+` FROM forms WHERE id = ?`, id)
}

// GetOneByMD5Hash implements Repository.
func (r *SQLiteRepository) GetOneByMD5Hash(ctx context.Context, hash string) (Form, error) {
	if hash == "" {
		return Form{}, errors.New("missing form hash")
	}
	return r.queryOne(ctx, `SELECT `+formColumns+` FROM forms WHERE md5_hash = ?`, hash)
}

// GetOneByPath implements Repository.
func (r *SQLiteRepository) GetOneByPath(ctx context.Context, path string) (Form, error) {
	rel := storage.Relativize(r.formsDir(), path)
	return r.queryOne(ctx, `SELECT `+formColumns+` FROM forms WHERE form_file_path = ?`, rel)
}

// GetLatestByFormIDAndVersion implements Repository.
func (r *SQLiteRepository) GetLatestByFormIDAndVersion(ctx context.Context, formID, version string) (Form, error) {
	return r.queryOne(ctx, `SELECT `+formColumns+` FROM forms
		WHERE form_id = ? AND version = ? AND deleted = 0
		ORDER BY date DESC, id DESC LIMIT 1`, formID, version)
}

// GetAllByFormIDAndVersion implements Repository.
func (r *SQLiteRepository) GetAllByFormIDAndVersion(ctx context.Context, formID, version string) ([]Form, error) {
	return r.queryAll(ctx, `SELECT `+formColumns+` FROM forms WHERE form_id = ? AND version = ? ORDER BY id`,
		formID, version)
}

// GetAllByFormID implements Repository.
func (r *SQLiteRepository) GetAllByFormID(ctx context.Context, formID string) ([]Form, error) {
	return r.queryAll(ctx, `SELECT `+formColumns+` FROM forms WHERE form_id = ? ORDER BY id`, formID)
}

// GetAllNotDeleted implements Repository.
func (r *SQLiteRepository) GetAllNotDeleted(ctx context.Context) ([]Form, error) {
	return r.queryAll(ctx, `SELECT `+formColumns+` FROM forms WHERE deleted = 0 ORDER BY id`)
}

// GetAll implements Repository.
func (r *SQLiteRepository) GetAll(ctx context.Context) ([]Form, error) {
	return r.queryAll(ctx, `SELECT `+formColumns+` FROM forms ORDER BY id`)
}

// Save implements Repository.
func (r *SQLiteRepository) Save(ctx context.Context, form Form) (Form, error) {
	if form.FormFilePath == "" {
		return Form{}, errors.New("form file path is required")
	}

	if form.MD5Hash == "" {
		hash, err := fileutil.MD5File(storage.Absolutize(r.formsDir(), form.FormFilePath))
		if err != nil {
			return Form{}, fmt.Errorf("failed to hash form definition: %w", err)
		}
		form.MD5Hash = hash
	}
	if form.FormMediaPath == "" {
		form.FormMediaPath = MediaDirFor(form.FormFilePath)
	}
	if form.Date.IsZero() {
		form.Date = r.now()
	}

	db, err := r.handle.DB()
	if err != nil {
		return Form{}, err
	}

	dir := r.formsDir()
	args := []any{
		form.DisplayName, form.Description, form.FormID, form.Version,
		storage.Relativize(dir, form.FormFilePath), storage.Relativize(dir, form.FormMediaPath),
		form.SubmissionURI, form.PublicKey, form.AutoSend, form.AutoDelete, form.GeometryXPath,
		form.Language, form.MD5Hash, form.Date.UnixMilli(), form.Deleted,
		nullableMillis(form.LastDetectedAttachmentsUpdateDate), form.UsesEntities,
	}

	if form.DBID == 0 {
		res, err := db.ExecContext(ctx, `INSERT INTO forms (
			display_name, description, form_id, version, form_file_path, form_media_path,
			submission_uri, public_key, auto_send, auto_delete, geometry_xpath, language,
			md5_hash, date, deleted, last_detected_attachments_update_date, uses_entities
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
		if err != nil {
			return Form{}, fmt.Errorf("failed to insert form %s: %w", form.FormID, err)
		}
		if form.DBID, err = res.LastInsertId(); err != nil {
			return Form{}, fmt.Errorf("failed to read form id: %w", err)
		}

		r.logger.Debug().Int64("id", form.DBID).Str("form_id", form.FormID).Msg("inserted form")
	} else {
		res, err := db.ExecContext(ctx, `UPDATE forms SET
			display_name = ?, description = ?, form_id = ?, version = ?, form_file_path = ?,
			form_media_path = ?, submission_uri = ?, public_key = ?, auto_send = ?, auto_delete = ?,
			geometry_xpath = ?, language = ?, md5_hash = ?, date = ?, deleted = ?,
			last_detected_attachments_update_date = ?, uses_entities = ?
		WHERE id = ?`, append(args, form.DBID)...)
		if err != nil {
			return Form{}, fmt.Errorf("failed to update form %d: %w", form.DBID, err)
		}
		if err := requireAffected(res); err != nil {
			return Form{}, err
		}
	}

	return r.Get(ctx, form.DBID)
}

// Delete implements Repository.
func (r *SQLiteRepository) Delete(ctx context.Context, id int64) error {
	form, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := removeFormFiles(form); err != nil {
		return err
	}

	db, err := r.handle.DB()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM forms WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete form %d: %w", id, err)
	}

	r.logger.Debug().Int64("id", id).Str("form_id", form.FormID).Msg("deleted form")
	return nil
}

// SoftDelete implements Repository.
func (r *SQLiteRepository) SoftDelete(ctx context.Context, id int64) error {
	return r.setDeleted(ctx, id, true)
}

// Restore implements Repository.
func (r *SQLiteRepository) Restore(ctx context.Context, id int64) error {
	return r.setDeleted(ctx, id, false)
}

func (r *SQLiteRepository) setDeleted(ctx context.Context, id int64, deleted bool) error {
	db, err := r.handle.DB()
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `UPDATE forms SET deleted = ? WHERE id = ?`, deleted, id)
	if err != nil {
		return fmt.Errorf("failed to update form %d: %w", id, err)
	}
	return requireAffected(res)
}

// DeleteByMD5Hash implements Repository.
func (r *SQLiteRepository) DeleteByMD5Hash(ctx context.Context, hash string) error {
	form, err := r.GetOneByMD5Hash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return r.Delete(ctx, form.DBID)
}

// DeleteAll implements Repository.
func (r *SQLiteRepository) DeleteAll(ctx context.Context) error {
	all, err := r.GetAll(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, form := range all {
		if err := r.Delete(ctx, form.DBID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *SQLiteRepository) queryOne(ctx context.Context, query string, args ...any) (Form, error) {
	forms, err := r.queryAll(ctx, query, args...)
	if err != nil {
		return Form{}, err
	}
	if len(forms) == 0 {
		return Form{}, ErrNotFound
	}
	return forms[0], nil
}

func (r *SQLiteRepository) queryAll(ctx context.Context, query string, args ...any) ([]Form, error) {
	db, err := r.handle.DB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query forms: %w", err)
	}
	defer rows.Close()

	dir := r.formsDir()
	var forms []Form
	for rows.Next() {
		form, err := scanForm(rows)
		if err != nil {
			return nil, err
		}
		form.FormFilePath = storage.Absolutize(dir, form.FormFilePath)
		form.FormMediaPath = storage.Absolutize(dir, form.FormMediaPath)
		forms = append(forms, form)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read forms: %w", err)
	}

	return forms, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanForm(s scanner) (Form, error) {
	var (
		form     Form
		date     int64
		attached sql.NullInt64
	)

	err := s.Scan(&form.DBID, &form.DisplayName, &form.Description, &form.FormID, &form.Version,
		&form.FormFilePath, &form.FormMediaPath, &form.SubmissionURI, &form.PublicKey, &form.AutoSend,
		&form.AutoDelete, &form.GeometryXPath, &form.Language, &form.MD5Hash, &date, &form.Deleted,
		&attached, &form.UsesEntities)
	if err != nil {
		return Form{}, fmt.Errorf("failed to scan form: %w", err)
	}

	form.Date = time.UnixMilli(date)
	if attached.Valid {
		t := time.UnixMilli(attached.Int64)
		form.LastDetectedAttachmentsUpdateDate = &t
	}
	return form, nil
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func removeFormFiles(form Form) error {
	if form.FormFilePath != "" {
		if err := os.Remove(form.FormFilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove form definition: %w", err)
		}
	}
	if form.FormMediaPath != "" {
		if err := os.RemoveAll(form.FormMediaPath); err != nil {
			return fmt.Errorf("failed to remove form media: %w", err)
		}
	}
	return nil
}

// MigrateDatabasePaths rewrites absolute paths under the legacy forms
// directory into paths relative to it. Relative paths are left alone.
func MigrateDatabasePaths(ctx context.Context, db *sql.DB, legacy storage.PathProvider) error {
	dir := legacy.DirPath(storage.Forms)

	return database.WithTx(ctx, db, func(ctx context.Context, tx database.DBTX) error {
		type row struct {
			id          int64
			file, media string
		}

		rows, err := tx.QueryContext(ctx, `SELECT id, form_file_path, form_media_path FROM forms`)
		if err != nil {
			return fmt.Errorf("failed to query form paths: %w", err)
		}

		var pending []row
		for rows.Next() {
			var cur row
			if err := rows.Scan(&cur.id, &cur.file, &cur.media); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan form paths: %w", err)
			}

			file, media := storage.Relativize(dir, cur.file), storage.Relativize(dir, cur.media)
			if file != cur.file || media != cur.media {
				pending = append(pending, row{id: cur.id, file: file, media: media})
			}
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read form paths: %w", err)
		}

		for _, p := range pending {
			if _, err := tx.ExecContext(ctx,
				`UPDATE forms SET form_file_path = ?, form_media_path = ? WHERE id = ?`,
				p.file, p.media, p.id); err != nil {
				return fmt.Errorf("failed to migrate paths of form %d: %w", p.id, err)
			}
		}
		return nil
	})
}
