package domain

import "github.com/pkg/errors"

// Error taxonomy for the order fulfillment flow. Only ErrValidation,
// ErrInvalidState and ErrNotFound surface synchronously to API callers;
// saga-internal failures are recorded on the SagaRun and exposed through
// status reads.
var (
	// ErrValidation marks a malformed order request, rejected before any
	// saga starts.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidState marks an operation requested against an order in a
	// state that forbids it (e.g. cancelling a completed order).
	ErrInvalidState = errors.New("invalid order state")

	// ErrNotFound marks a missing order or saga run.
	ErrNotFound = errors.New("not found")

	// ErrHardStepFailure marks a forward step failure that invalidates the
	// whole transaction and triggers compensation.
	ErrHardStepFailure = errors.New("hard step failure")

	// ErrCompensationFatal marks a compensation routine that could not make
	// progress because the saga store itself was unavailable. Runs in this
	// state require operator intervention and are never auto-retried.
	ErrCompensationFatal = errors.New("compensation fatal")

	// ErrSagaExists marks an attempt to start a second active saga run for
	// the same order.
	ErrSagaExists = errors.New("active saga run already exists")

	// ErrStaleVersion marks an optimistic locking conflict on save.
	ErrStaleVersion = errors.New("stale version")
)
