// Package apitypes provides API response types for the formsync HTTP API.
package apitypes

import "time"

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Form is an installed form definition.
type Form struct {
	ID                   int64      `json:"id"`
	FormID               string     `json:"form_id"`
	Version              string     `json:"version,omitempty"`
	DisplayName          string     `json:"display_name"`
	Hash                 string     `json:"hash"`
	AutoSend             bool       `json:"auto_send"`
	Date                 time.Time  `json:"date"`
	AttachmentsUpdatedAt *time.Time `json:"attachments_updated_at,omitempty"`
	SubmissionURI        string     `json:"submission_uri,omitempty"`
	Encrypted            bool       `json:"encrypted"`
	UsesEntities         bool       `json:"uses_entities"`
}

// SyncResponse is returned by a manual form list synchronization.
// Status is "synchronized" or "partial"; Error is set for partial passes.
type SyncResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Storage describes the active storage layout and migration progress.
type Storage struct {
	ScopedStorageUsed bool   `json:"scoped_storage_used"`
	LegacyRoot        string `json:"legacy_root"`
	ScopedRoot        string `json:"scoped_root"`
	ProjectID         string `json:"project_id"`
	ProjectRoot       string `json:"project_root"`
	MigrationState    string `json:"migration_state"`
	LastResult        string `json:"last_result,omitempty"`
}

// MigrationResponse is the outcome of a storage migration attempt.
type MigrationResponse struct {
	Result            string `json:"result"`
	Retryable         bool   `json:"retryable"`
	ScopedStorageUsed bool   `json:"scoped_storage_used"`
}

// Lock is the state of a change lock.
type Lock struct {
	Locked bool   `json:"locked"`
	Owner  string `json:"owner,omitempty"`
}

// Locks holds the state of both change locks.
type Locks struct {
	Forms     Lock `json:"forms"`
	Instances Lock `json:"instances"`
}
