package formsource

import (
	"errors"
	"fmt"
)

// Kind classifies a form source failure.
type Kind string

// Error kinds.
const (
	Unreachable   Kind = "unreachable"
	AuthRequired  Kind = "auth_required"
	FetchError    Kind = "fetch_error"
	SecurityError Kind = "security_error"
	ServerError   Kind = "server_error"
	ParseError    Kind = "parse_error"
)

// Error is returned by every FormSource operation that fails.
type Error struct {
	Kind       Kind
	URL        string
	StatusCode int // set for ServerError
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.URL)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether trying again later may succeed without the
// user changing anything.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case Unreachable, FetchError, ServerError:
		return true
	default:
		return false
	}
}

// UserMessage returns a short explanation suitable for showing to a user.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case Unreachable:
		return "The server could not be reached. Check the server address and your connection."
	case AuthRequired:
		return "The server requires valid credentials."
	case SecurityError:
		return "The server's certificate could not be verified."
	case ServerError:
		return fmt.Sprintf("The server returned an error (%d). Try again later.", e.StatusCode)
	case ParseError:
		return "The server's response could not be read."
	default:
		return "Fetching from the server failed. Try again later."
	}
}

// KindOf returns the kind of err if it is an *Error.
func KindOf(err error) (Kind, bool) {
	var fsErr *Error
	if errors.As(err, &fsErr) {
		return fsErr.Kind, true
	}
	return "", false
}
