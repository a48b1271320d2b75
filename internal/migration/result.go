// Package migration moves a project's data from the legacy storage root to
// the scoped one and tracks the progress of that move.
package migration

// Result is the outcome of one migration attempt.
type Result string

// Migration results.
const (
	Success                         Result = "SUCCESS"
	FormUploaderIsRunning           Result = "FORM_UPLOADER_IS_RUNNING"
	FormDownloaderIsRunning         Result = "FORM_DOWNLOADER_IS_RUNNING"
	NotEnoughSpace                  Result = "NOT_ENOUGH_SPACE"
	MovingFilesFailed               Result = "MOVING_FILES_FAILED"
	MovingFilesSucceeded            Result = "MOVING_FILES_SUCCEEDED"
	MigratingDatabasePathsFailed    Result = "MIGRATING_DATABASE_PATHS_FAILED"
	MigratingDatabasePathsSucceeded Result = "MIGRATING_DATABASE_PATHS_SUCCEEDED"
)

// Terminal reports whether r ends a migration attempt. The *_SUCCEEDED
// results only mark intermediate steps.
func (r Result) Terminal() bool {
	return r != MovingFilesSucceeded && r != MigratingDatabasePathsSucceeded
}

// Retryable reports whether the same attempt may succeed later without user
// action, e.g. once a background writer has finished.
func (r Result) Retryable() bool {
	switch r {
	case FormUploaderIsRunning, FormDownloaderIsRunning, MovingFilesFailed, MigratingDatabasePathsFailed:
		return true
	default:
		return false
	}
}

// State is the coarse progress of the migration.
type State string

// Migration states.
const (
	NotStarted State = "NOT_STARTED"
	InProgress State = "IN_PROGRESS"
	Finished   State = "FINISHED"
)
