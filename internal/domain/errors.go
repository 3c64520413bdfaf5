package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrTransient        = errors.New("store unavailable")
	ErrPermissionDenied = errors.New("permission denied")

	// ErrConcurrentModification is returned by versioned writes that lost a race.
	// Services retry on it; callers only see it wrapped in ErrTransient.
	ErrConcurrentModification = errors.New("concurrent modification")
)

// Kind is the stable, inspectable classification of an engine error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindInvalidArgument
	KindTransient
	KindPermissionDenied
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindTransient:
		return "transient"
	case KindPermissionDenied:
		return "permission_denied"
	default:
		return "unknown"
	}
}

// KindOf classifies err. A ReconcileError reports the kind of its cause.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrTransient), errors.Is(err, ErrConcurrentModification):
		return KindTransient
	default:
		return KindUnknown
	}
}

// Retryable reports whether repeating the same call may succeed.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Errorf wraps a taxonomy sentinel with context, e.g.
// Errorf(ErrConflict, "space number %d already used in lot %s", n, lot).
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// ReconcileError reports that a mutation was committed but the follow-up
// reconciliation of its lot failed. The mutation must not be retried; only
// Reconcile(LotID) should be.
type ReconcileError struct {
	LotID string
	Err   error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("space write committed, reconcile of lot %s failed: %v", e.LotID, e.Err)
}

func (e *ReconcileError) Unwrap() error {
	return e.Err
}

// AsReconcileError extracts a ReconcileError from err's chain.
func AsReconcileError(err error) (*ReconcileError, bool) {
	var re *ReconcileError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
