package formdownload

import (
	"context"
	"errors"
	"fmt"

	"github.com/seedreap/formsync/internal/formsource"
)

// ErrorKind classifies a failed download.
type ErrorKind string

// Error kinds.
const (
	FormWithNoHash    ErrorKind = "form_with_no_hash"
	FormParsing       ErrorKind = "form_parsing"
	Disk              ErrorKind = "disk"
	InvalidSubmission ErrorKind = "invalid_submission"
	FormSource        ErrorKind = "form_source"
	Interrupted       ErrorKind = "interrupted"
)

// Error is returned by DownloadForm.
type Error struct {
	Kind   ErrorKind
	FormID string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("download of form %q failed: %s", e.FormID, e.Kind)
	}
	return fmt.Sprintf("download of form %q failed: %s: %v", e.FormID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err if it is an *Error.
func KindOf(err error) (ErrorKind, bool) {
	var dlErr *Error
	if errors.As(err, &dlErr) {
		return dlErr.Kind, true
	}
	return "", false
}

// classify wraps err from fetching or writing a file into an *Error.
func classify(ctx context.Context, formID string, err error) *Error {
	var dlErr *Error
	if errors.As(err, &dlErr) {
		if dlErr.FormID == "" {
			dlErr.FormID = formID
		}
		return dlErr
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Interrupted, FormID: formID, Err: err}
	}

	var srcErr *formsource.Error
	if errors.As(err, &srcErr) {
		return &Error{Kind: FormSource, FormID: formID, Err: err}
	}
	return &Error{Kind: Disk, FormID: formID, Err: err}
}
