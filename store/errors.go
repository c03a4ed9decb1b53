package store

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrCorruption is matched by errors reporting a partition whose bytes
	// could not be decoded. The partition has been reset to empty by the time
	// a caller sees it.
	ErrCorruption = errors.New("store: corrupted cache state")
	// ErrUnavailable is matched by errors from the underlying storage itself.
	// Callers should fall back to network-only behaviour.
	ErrUnavailable = errors.New("store: storage unavailable")
)

// CorruptionError describes a decode failure in a partition.
type CorruptionError struct {
	Partition string
	// Key is the offending record, empty when the partition container itself
	// is unreadable.
	Key string
	Err error
}

func (e *CorruptionError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store: partition %q record %q corrupted: %v", e.Partition, e.Key, e.Err)
	}
	return fmt.Sprintf("store: partition %q corrupted: %v", e.Partition, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

func (e *CorruptionError) Is(target error) bool { return target == ErrCorruption }

// UnavailableError wraps a storage I/O failure.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string { return e.Err.Error() }

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// unavailable wraps err as an UnavailableError. Context cancellation and
// errors already classified pass through untouched.
func unavailable(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrCorruption) || errors.Is(err, ErrUnavailable) {
		return err
	}
	return &UnavailableError{Err: errors.Wrapf(err, format, args...)}
}

func corrupted(partition, key string, err error) error {
	return &CorruptionError{Partition: partition, Key: key, Err: err}
}
