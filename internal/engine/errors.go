package engine

import "errors"

// Lifecycle and lookup errors. All of these are also surfaced to the caller
// as a notification; callers that only care about the notification stream
// can ignore the returned error.
var (
	ErrNotInitialized     = errors.New("engine: not initialized")
	ErrAlreadyInitialized = errors.New("engine: already initialized")
	ErrInvalidLength      = errors.New("engine: reserve length must be in [1, 0xFFFF]")
)
