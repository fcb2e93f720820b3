package vm

import (
	"errors"
	"fmt"
)

// Errors reported by the virtual memory components. Contract violations by
// callers are not errors; they panic.
var (
	// ErrOutOfMemory is reported when no frame is free and none can be
	// reclaimed.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrMemoryExhausted is reported when an eviction pass cycled through
	// every frame without finding a candidate.
	ErrMemoryExhausted = fmt.Errorf("%w: no evictable frame", ErrOutOfMemory)

	// ErrCapacityExceeded is reported when a bounded table is full.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrUnimplemented is reported by operations the core does not support.
	ErrUnimplemented = errors.New("not implemented")

	// ErrSegmentationFault is reported when no region covers an address.
	ErrSegmentationFault = errors.New("segmentation fault")

	// ErrReadOnlyViolation is reported on writes to a read-only region.
	ErrReadOnlyViolation = errors.New("write to read-only page")

	// ErrBackingStoreFailure wraps the I/O errors of the backing store.
	ErrBackingStoreFailure = errors.New("backing store failure")

	// ErrAddressSpaceDestroyed is reported by operations on an address space
	// that has been destroyed.
	ErrAddressSpaceDestroyed = errors.New("address space destroyed")
)

// BackingStoreFailure wraps an error of the backing store so that it matches
// both ErrBackingStoreFailure and err.
func BackingStoreFailure(err error) error {
	return storeFailure{err: err}
}

type storeFailure struct {
	err error
}

func (e storeFailure) Error() string {
	return ErrBackingStoreFailure.Error() + ": " + e.err.Error()
}

func (e storeFailure) Unwrap() []error {
	return []error{ErrBackingStoreFailure, e.err}
}
