package reconciler

import (
	"errors"
	"fmt"
)

// ErrInvalidDuration is returned for reservation lengths outside 1..4 hours.
var ErrInvalidDuration = errors.New("duration must be between 1 and 4 hours")

// Conflict reasons reported by ValidateSelection.
const (
	ReasonSlotUnavailable = "slot no longer available"
	ReasonNotConsecutive  = "not enough consecutive slots"
)

// FetchError means slots could not be retrieved from the backend. Callers show
// an empty, retry-capable state.
type FetchError struct {
	ClubID int64
	Date   string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch slots for club %d on %s: %v", e.ClubID, e.Date, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ConflictError means the selection is no longer bookable on fresh data.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Reason
}

// SubmissionError means the backend rejected or failed a create or cancel call.
type SubmissionError struct {
	Op         string
	StatusCode int // 0 when the request never got a response
	Detail     string
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Detail)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// AuthError means the session token is missing, expired or rejected. The user
// has to sign in again.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication required: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ValidationError reports a request that fails local checks before any
// backend call is made.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}
