// Package syncerr holds the error taxonomy shared across the sync pipeline.
package syncerr

// ============================================================================
// Error taxonomy
//
//   ErrBusy                   another workflow owns PROCESSING; surfaced verbatim
//   ErrLockContention         advisory lock not acquired within the bound
//   *TransientError           network/API failure after the retry ceiling
//   *StructuralError          malformed feed page; fetch aborted, no retry
//   *ResourceUnavailableError stale identifier; triggers recreation
//   *MaterializationError     one calendar entry failed; logged and skipped
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy indicates the system is already PROCESSING.
	ErrBusy = errors.New("system is busy processing another workflow")

	// ErrLockContention indicates the advisory lock could not be acquired in time.
	ErrLockContention = errors.New("could not acquire advisory lock")
)

// TransientError wraps a network or API failure that survived every retry.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// StructuralError reports a response whose shape cannot be interpreted.
type StructuralError struct {
	Page   int
	Reason string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("malformed feed page %d: %s", e.Page, e.Reason)
}

// ResourceUnavailableError reports that a persisted identifier no longer
// resolves to a live resource.
type ResourceUnavailableError struct {
	Kind string
	ID   string
	Err  error
}

func (e *ResourceUnavailableError) Error() string {
	return fmt.Sprintf("%s %q is unavailable: %v", e.Kind, e.ID, e.Err)
}

func (e *ResourceUnavailableError) Unwrap() error { return e.Err }

// MaterializationError records the failure to create one calendar entry.
type MaterializationError struct {
	Fingerprint string
	Err         error
}

func (e *MaterializationError) Error() string {
	return fmt.Sprintf("failed to materialize event %s: %v", e.Fingerprint, e.Err)
}

func (e *MaterializationError) Unwrap() error { return e.Err }

// IsTransient reports whether err carries a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsStructural reports whether err carries a StructuralError.
func IsStructural(err error) bool {
	var s *StructuralError
	return errors.As(err, &s)
}

// IsResourceUnavailable reports whether err carries a ResourceUnavailableError.
func IsResourceUnavailable(err error) bool {
	var r *ResourceUnavailableError
	return errors.As(err, &r)
}
