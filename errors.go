package alpha

import (
	"errors"
	"fmt"
)

var (
	// ErrEventNotFound is returned by EventLog lookups that match nothing.
	ErrEventNotFound = errors.New("event not found")

	// ErrConnectionClosed is returned when delivering to a connection that
	// has gone away.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNoOwner is returned when no live connection owns a local transaction.
	ErrNoOwner = errors.New("no live connection owns the local transaction")

	// ErrNotOwner is returned when a connection reports a completion for a
	// local transaction another live connection owns.
	ErrNotOwner = errors.New("connection does not own the local transaction")
)

// MalformedEventError marks an event rejected at ingestion. The stream that
// carried it keeps going.
type MalformedEventError struct {
	error
}

// MalformedEvent wraps a validation failure in a MalformedEventError.
func MalformedEvent(err error) error {
	return &MalformedEventError{fmt.Errorf("malformed event: %w", err)}
}

func (e *MalformedEventError) Unwrap() error {
	return e.error
}

// StorageError represents a failure of the event log. It is retryable: the
// client resends and deduplication makes that safe.
type StorageError struct {
	Op string
	error
}

// StorageFailed wraps err in a StorageError for operation op.
func StorageFailed(op string, err error) error {
	return &StorageError{Op: op, error: fmt.Errorf("event log %s failed: %w", op, err)}
}

func (e *StorageError) Unwrap() error {
	return e.error
}

// Retryable reports that the caller may resend.
func (e *StorageError) Retryable() bool {
	return true
}

// DeliveryError records a failed attempt to push a command to a client.
type DeliveryError struct {
	Key     TxKey
	Attempt int
	error
}

// DeliveryFailed wraps err in a DeliveryError.
func DeliveryFailed(key TxKey, attempt int, err error) error {
	return &DeliveryError{
		Key:     key,
		Attempt: attempt,
		error:   fmt.Errorf("delivery of compensation for %s/%s failed (attempt %d): %w", key.GlobalTxID, key.LocalTxID, attempt, err),
	}
}

func (e *DeliveryError) Unwrap() error {
	return e.error
}

// IsMalformed reports whether err marks a malformed event.
func IsMalformed(err error) bool {
	var target *MalformedEventError
	return errors.As(err, &target)
}

// IsRetryable reports whether err is a storage failure the client should
// resend after.
func IsRetryable(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}
