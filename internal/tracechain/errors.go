package tracechain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an event id does not exist.
	ErrNotFound = errors.New("trace event not found")

	// ErrDuplicateHash is returned by Store.Insert when CurrentHash already exists.
	ErrDuplicateHash = errors.New("duplicate current_hash")

	// ErrChainConflict is returned by Store.Insert when another event already
	// occupies the same (batch_id, seq) position, i.e. the append would fork the chain.
	ErrChainConflict = errors.New("batch chain position already taken")

	// ErrInvalidTransition is returned when an anchor status update would move
	// an event backwards or skip PENDING.
	ErrInvalidTransition = errors.New("invalid anchor status transition")
)

// ValidationError reports a missing or invalid append field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError wraps a store or lock failure. Callers may retry the operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
