package remote

import (
	"errors"
	"fmt"
)

// LoginErrorKind categorizes a failed login so callers can offer the right
// recovery path.
type LoginErrorKind string

const (
	// LoginBadCredentials means the server rejected the subject/secret pair.
	LoginBadCredentials LoginErrorKind = "BAD_CREDENTIALS"

	// LoginSessionConflict means the subject holds an active session
	// elsewhere. Recovery is logout-all followed by login.
	LoginSessionConflict LoginErrorKind = "SESSION_CONFLICT"

	// LoginUnreachable means the authority could not be reached.
	LoginUnreachable LoginErrorKind = "UNREACHABLE"

	// LoginRejected covers every other non-2xx answer.
	LoginRejected LoginErrorKind = "REJECTED"
)

// LoginError is a typed login failure. It is surfaced to the caller and
// never retried automatically.
type LoginError struct {
	Kind    LoginErrorKind
	Status  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *LoginError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("login %s: %s (status=%d)", e.Kind, e.Message, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("login %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("login %s: %s", e.Kind, e.Message)
}

// Unwrap returns the transport error, if any.
func (e *LoginError) Unwrap() error {
	return e.Err
}

// LoginErrorKindOf returns the kind of a wrapped LoginError, or "" if err is
// not one.
func LoginErrorKindOf(err error) LoginErrorKind {
	var le *LoginError
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// IsBadCredentials returns true if err is a bad-credentials login failure.
func IsBadCredentials(err error) bool {
	return LoginErrorKindOf(err) == LoginBadCredentials
}

// IsSessionConflict returns true if err is a conflicting-session login failure.
func IsSessionConflict(err error) bool {
	return LoginErrorKindOf(err) == LoginSessionConflict
}

// IsUnreachable returns true if err is a login failure caused by connectivity.
func IsUnreachable(err error) bool {
	return LoginErrorKindOf(err) == LoginUnreachable
}

// StatusError is a non-2xx answer to any call other than login.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status=%d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: status=%d body=%s", e.Op, e.StatusCode, e.Body)
}

// StatusCode returns the HTTP status of a wrapped StatusError, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
