package stage

import "errors"

// Core errors shared across the engine.
var (
	// ErrDisposed is returned when a disposed object is used again.
	// Disposal itself is idempotent; only use after disposal fails.
	ErrDisposed = errors.New("stage: object already disposed")

	// ErrAlreadyRegistered is returned when a draw operation is handed to a
	// manager while it already has an owner. An operation is assigned an
	// owner exactly once and never reassigned.
	ErrAlreadyRegistered = errors.New("stage: draw operation already registered")

	// ErrNotRegistered is returned when an operation is used in a way that
	// requires an owning manager before it has been registered.
	ErrNotRegistered = errors.New("stage: draw operation has no owning manager")

	// ErrOwnerMismatch is returned when an operation is presented to a
	// manager other than the one that owns it.
	ErrOwnerMismatch = errors.New("stage: draw operation owned by a different manager")

	// ErrNotRunning is returned when an operation cannot complete because
	// the manager's frame loop has stopped.
	ErrNotRunning = errors.New("stage: graphics manager is not running")

	// ErrIncompatibleTarget is returned by AddRenderTarget when a render
	// target rejects the manager's graphics context.
	ErrIncompatibleTarget = errors.New("stage: render target incompatible with graphics context")
)
