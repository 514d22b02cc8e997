package settlement

import "errors"

var (
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("transaction state conflict")
	ErrUnauthorized = errors.New("caller may not act on this transaction")
	ErrQueueFull    = errors.New("release queue is full")
	ErrQueueStopped = errors.New("release queue is stopped")
)
