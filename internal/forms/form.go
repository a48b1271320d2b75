// Package forms holds the local catalog of form definitions.
package forms

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when no form matches a lookup.
var ErrNotFound = errors.New("form not found")

// Form is a catalog entry. Values are treated as immutable; the With helpers
// return modified copies.
type Form struct {
	DBID          int64
	DisplayName   string
	Description   string
	FormID        string
	Version       string
	FormFilePath  string // absolute when read from a Repository
	FormMediaPath string // absolute when read from a Repository
	SubmissionURI string
	PublicKey     string
	AutoSend      string
	AutoDelete    string
	GeometryXPath string
	Language      string
	MD5Hash       string
	Date          time.Time
	Deleted       bool
	UsesEntities  bool

	// LastDetectedAttachmentsUpdateDate is set when a download refreshed the
	// media of an already installed form. Nil if that never happened.
	LastDetectedAttachmentsUpdateDate *time.Time
}

// WithDeleted returns a copy with the soft-delete flag set to deleted.
func (f Form) WithDeleted(deleted bool) Form {
	f.Deleted = deleted
	return f
}

// WithLastDetectedAttachmentsUpdateDate returns a copy with the attachment update time set.
func (f Form) WithLastDetectedAttachmentsUpdateDate(at time.Time) Form {
	f.LastDetectedAttachmentsUpdateDate = &at
	return f
}

// WithFormFilePath returns a copy pointing at a different definition file.
func (f Form) WithFormFilePath(path string) Form {
	f.FormFilePath = path
	return f
}

// IsAutoSend reports whether finalized instances of the form are sent automatically.
func (f Form) IsAutoSend() bool {
	return strings.EqualFold(f.AutoSend, "true")
}

// IsAutoDelete reports whether instances are removed once submitted.
func (f Form) IsAutoDelete() bool {
	return strings.EqualFold(f.AutoDelete, "true")
}

// IsDraft reports whether the form came from a server draft endpoint.
func (f Form) IsDraft() bool {
	return strings.Contains(f.FormFilePath, "/draft.xml")
}

// MediaDirFor returns the conventional media directory of a definition file:
// the file path without extension, suffixed with "-media".
func MediaDirFor(formFilePath string) string {
	return strings.TrimSuffix(formFilePath, filepath.Ext(formFilePath)) + "-media"
}

// Repository is the persisted form catalog.
type Repository interface {
	// Get returns the form with the given database id.
	Get(ctx context.Context, id int64) (Form, error)
	// GetOneByMD5Hash returns the form whose definition has the given hash,
	// including soft-deleted ones.
	GetOneByMD5Hash(ctx context.Context, hash string) (Form, error)
	// GetOneByPath returns the form whose definition lives at path.
	GetOneByPath(ctx context.Context, path string) (Form, error)
	// GetLatestByFormIDAndVersion returns the most recently added non-deleted
	// form with the given identity.
	GetLatestByFormIDAndVersion(ctx context.Context, formID, version string) (Form, error)
	// GetAllByFormIDAndVersion returns every form with the given identity.
	GetAllByFormIDAndVersion(ctx context.Context, formID, version string) ([]Form, error)
	// GetAllByFormID returns every form with the given form id.
	GetAllByFormID(ctx context.Context, formID string) ([]Form, error)
	// GetAllNotDeleted returns all forms that are not soft-deleted.
	GetAllNotDeleted(ctx context.Context) ([]Form, error)
	// GetAll returns all forms.
	GetAll(ctx context.Context) ([]Form, error)

	// Save inserts a form (DBID zero) or updates an existing one and returns
	// the stored value.
	Save(ctx context.Context, form Form) (Form, error)
	// Delete removes the form row together with its definition and media.
	Delete(ctx context.Context, id int64) error
	// SoftDelete hides a form without touching its files.
	SoftDelete(ctx context.Context, id int64) error
	// Restore reverts a soft delete.
	Restore(ctx context.Context, id int64) error
	// DeleteByMD5Hash deletes the form with the given hash, if any.
	DeleteByMD5Hash(ctx context.Context, hash string) error
	// DeleteAll deletes every form and its files.
	DeleteAll(ctx context.Context) error
}
