package lifecycle

import (
	"errors"
	"fmt"
)

// Sentinel errors for the lifecycle error taxonomy. Callers classify
// failures with errors.Is against these values.
var (
	// ErrNotFound indicates the referenced entity or clan does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrForbidden indicates the acting identity lacks standing for the
	// requested transition.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidTransition indicates the requested edge is not in the
	// transition table or a guard rejected it.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConflict indicates a uniqueness or optimistic-concurrency
	// violation. Callers may retry after re-reading.
	ErrConflict = errors.New("conflict")

	// ErrBadRequest indicates a malformed payload. Never retried.
	ErrBadRequest = errors.New("bad request")

	// ErrUnavailable indicates a transient store failure that survived the
	// bounded internal retries.
	ErrUnavailable = errors.New("store unavailable")
)

// TransitionError carries the offending edge for an invalid transition.
type TransitionError struct {
	Kind Kind
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot transition from %q to %q", e.Kind, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// NewTransitionError builds a TransitionError for the given edge.
func NewTransitionError(kind Kind, from, to Status) error {
	return &TransitionError{Kind: kind, From: from, To: to}
}

// IsRace reports whether the error is a benign lost race: either a
// concurrent writer won the conditional write, or the entity had
// already moved past the requested edge. The expiry sweeper treats both
// as a skip, not a failure.
func IsRace(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidTransition)
}
