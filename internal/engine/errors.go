package engine

import (
	"errors"
	"fmt"
)

// ReconcileError represents an error detected while reconciling identity.
//
// Reconcile errors include:
//   - Not confirmed: logout-all could not be confirmed by the server
//   - Offline: an operation that needs the server ran while unreachable
//   - Storage: the local store failed mid-sequence
//
// Remote login rejections are not ReconcileErrors; they surface as
// *remote.LoginError so callers can tell bad credentials from conflicts.
type ReconcileError struct {
	// Code identifies the error category.
	Code ReconcileErrorCode

	// Op names the entry point or step that failed.
	Op string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// ReconcileErrorCode categorizes reconcile errors.
type ReconcileErrorCode string

const (
	// ErrCodeNotConfirmed indicates the server did not confirm logout-all.
	ErrCodeNotConfirmed ReconcileErrorCode = "NOT_CONFIRMED"

	// ErrCodeOffline indicates the authority was unreachable.
	ErrCodeOffline ReconcileErrorCode = "OFFLINE"

	// ErrCodeStorage indicates a local store failure.
	ErrCodeStorage ReconcileErrorCode = "STORAGE"
)

// Error implements the error interface.
func (e *ReconcileError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Code, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Op, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ReconcileError) Unwrap() error {
	return e.Err
}

// IsNotConfirmed returns true if the error reports an unconfirmed logout-all.
// Uses errors.As to handle wrapped errors.
func IsNotConfirmed(err error) bool {
	return hasCode(err, ErrCodeNotConfirmed)
}

// IsOffline returns true if the error reports an unreachable authority.
// Uses errors.As to handle wrapped errors.
func IsOffline(err error) bool {
	return hasCode(err, ErrCodeOffline)
}

// IsStorage returns true if the error reports a local store failure.
// Uses errors.As to handle wrapped errors.
func IsStorage(err error) bool {
	return hasCode(err, ErrCodeStorage)
}

func hasCode(err error, code ReconcileErrorCode) bool {
	var re *ReconcileError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

func storageError(op string, err error) *ReconcileError {
	return &ReconcileError{Code: ErrCodeStorage, Op: op, Message: "local store failed", Err: err}
}

func notConfirmedError(subject, reason string, err error) *ReconcileError {
	return &ReconcileError{
		Code:    ErrCodeNotConfirmed,
		Op:      "logout-all",
		Message: fmt.Sprintf("revocation for %q not confirmed: %s", subject, reason),
		Err:     err,
	}
}

func offlineError(op string) *ReconcileError {
	return &ReconcileError{Code: ErrCodeOffline, Op: op, Message: "remote authority unreachable"}
}
