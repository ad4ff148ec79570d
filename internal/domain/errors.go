package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that a requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that a resource with the same identity
	// already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidArgument indicates that a caller-provided value violates
	// a precondition.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrIllegalState indicates that the entity is in the wrong lifecycle
	// phase for the requested transition.
	ErrIllegalState = errors.New("illegal state")

	// ErrIncompatible indicates a target type / distribution set type
	// mismatch or an incomplete or invalidated distribution set.
	ErrIncompatible = errors.New("incompatible")

	// ErrLocked indicates a mutation attempt on a locked distribution set
	// or software module.
	ErrLocked = errors.New("locked")

	// ErrConflict indicates a transient optimistic-concurrency failure: the
	// entity was modified since it was read.
	ErrConflict = errors.New("write conflict")

	// ErrQuotaExceeded indicates that a configured limit would be exceeded.
	// Use [QuotaExceededError] to read the limit.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrMultiAssignmentRequired indicates that a batch would create more
	// than one active action per target while multi-assignment is off.
	ErrMultiAssignmentRequired = errors.New("multi-assignment required")
)

var (
	ErrNotAwaitingConfirmation = fmt.Errorf("%w: action is not awaiting confirmation", ErrIllegalState)
	ErrActionClosed            = fmt.Errorf("%w: action is closed", ErrIllegalState)
	ErrCancelNotAllowed        = fmt.Errorf("%w: cancelation not allowed", ErrIllegalState)
	ErrForceQuitNotAllowed     = fmt.Errorf("%w: force quit not allowed", ErrIllegalState)
	ErrAutoConfirmationActive  = fmt.Errorf("%w: auto-confirmation is already active", ErrAlreadyExists)
)

// QuotaExceededError reports which quota was hit and its limit.
type QuotaExceededError struct {
	Quota     string
	Limit     int
	Requested int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s limit is %d, requested %d", e.Quota, e.Limit, e.Requested)
}

func (e *QuotaExceededError) Is(target error) bool { return target == ErrQuotaExceeded }
