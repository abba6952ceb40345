package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownEntityType is returned for push items whose type has no merge policy.
	ErrUnknownEntityType = errors.New("unknown entity type")
	// ErrInvalidPayload indicates a push payload the entity's policy cannot decode.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrMissingIdempotencyKey is returned for push items without a client token.
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")
	// ErrEntityNotFound is returned when deleting an entity the server has never seen.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrBaseVersionAhead indicates a base version the server never issued for the entity.
	ErrBaseVersionAhead = errors.New("base version is ahead of server state")
	// ErrVersionConflict signals a lost compare-and-swap; the engine re-reads and merges again.
	ErrVersionConflict = errors.New("entity version changed concurrently")
	// ErrIdempotentReplay indicates the idempotency key was already applied.
	ErrIdempotentReplay = errors.New("push item already applied for idempotency key")
	// ErrWorkstationNotFound is returned when the workstation is unknown or owned by another customer.
	ErrWorkstationNotFound = errors.New("workstation not found")
	// ErrBatchTooLarge is returned when a push carries more items than the server accepts.
	ErrBatchTooLarge = errors.New("push batch exceeds maximum items")
	// ErrInvalidCursor is returned for negative pull cursors.
	ErrInvalidCursor = errors.New("invalid pull cursor")
	// ErrTransientStore matches every TransientStoreError.
	ErrTransientStore = errors.New("transient store error")
)

// TransientStoreError wraps a backing store failure that left no state change behind.
// Callers may retry the whole request.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrTransientStore, e.Err)
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrTransientStore) match.
func (e *TransientStoreError) Is(target error) bool {
	return target == ErrTransientStore
}

// Transient wraps err as a TransientStoreError unless it already is one.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var transient *TransientStoreError
	if errors.As(err, &transient) {
		return err
	}
	return &TransientStoreError{Op: op, Err: err}
}

// IsRetryable reports whether the caller may retry the request unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStore)
}
