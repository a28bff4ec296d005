package routesync

import (
	"errors"
	"fmt"
)

// SyncError represents a failed route sync operation.
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Op names the operation that failed.
	Op string

	// RouteID is the affected route, when known.
	RouteID string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	// ErrCodeConflict indicates a sync-down was refused because the route
	// has unsynced local mutations. Resolve with SyncUp or Discard.
	ErrCodeConflict SyncErrorCode = "CONFLICT"

	// ErrCodeOverlap indicates a sync-down was refused because the incoming
	// route reuses entity IDs that another local route still holds.
	ErrCodeOverlap SyncErrorCode = "OVERLAP"

	// ErrCodeNotFound indicates the route or one of its entities is unknown.
	ErrCodeNotFound SyncErrorCode = "NOT_FOUND"

	// ErrCodeInvalid indicates a mutation that breaks a route invariant.
	ErrCodeInvalid SyncErrorCode = "INVALID"

	// ErrCodeNoSession indicates a remote operation without an identity.
	ErrCodeNoSession SyncErrorCode = "NO_SESSION"

	// ErrCodeRemote indicates the remote call failed. Local state is intact.
	ErrCodeRemote SyncErrorCode = "REMOTE"

	// ErrCodeStorage indicates a local store failure.
	ErrCodeStorage SyncErrorCode = "STORAGE"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	prefix := fmt.Sprintf("%s: %s", e.Code, e.Op)
	if e.RouteID != "" {
		prefix += " " + e.RouteID
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsConflict returns true if a sync-down was refused over unsynced mutations.
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }

// IsOverlap returns true if a sync-down collided with another local route.
func IsOverlap(err error) bool { return hasCode(err, ErrCodeOverlap) }

// IsNotFound returns true if the route or entity does not exist locally or
// remotely.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsInvalid returns true if a mutation was rejected.
func IsInvalid(err error) bool { return hasCode(err, ErrCodeInvalid) }

// IsNoSession returns true if a remote operation ran without identity.
func IsNoSession(err error) bool { return hasCode(err, ErrCodeNoSession) }

// IsRemote returns true if the remote call failed.
func IsRemote(err error) bool { return hasCode(err, ErrCodeRemote) }

func hasCode(err error, code SyncErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

func syncError(code SyncErrorCode, op, routeID, msg string, err error) *SyncError {
	return &SyncError{Code: code, Op: op, RouteID: routeID, Message: msg, Err: err}
}
