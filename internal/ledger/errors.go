package ledger

import "errors"

// Error taxonomy surfaced to gate and gateway callers. Storage failures are
// wrapped with context and propagated; they are never mapped onto these
// sentinels.
var (
	// ErrConflict: a second in-flight run for a task, or an equivalent
	// uniqueness violation at the store boundary.
	ErrConflict = errors.New("conflict")

	// ErrNotFound: the referenced task, run, or approval does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyResolved: resolving an approval that is no longer pending.
	ErrAlreadyResolved = errors.New("approval already resolved")

	// ErrInvalidInput: a caller-supplied value failed validation before any
	// store access, such as an unknown decision or status string.
	ErrInvalidInput = errors.New("invalid input")
)
