// Package ftlerr defines the error categories shared by the FTL subsystems.
//
// Lookup misses are not errors. Caches and the lock table report them as a
// boolean result.
package ftlerr

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceExhausted is returned when a fixed-capacity resource (task
	// pool, cache segment, write-merge buffer, lock table) has no room. The
	// caller defers and retries on a later scheduling pass.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrFatal marks an unrecoverable condition. The subsystem that reports
	// it stops accepting work.
	ErrFatal = errors.New("fatal")

	// ErrNoSpace is reported when a bank has no good block left.
	ErrNoSpace = fmt.Errorf(
		"%w: no available blocks; garbage collection required", ErrFatal)

	// ErrInvalidRequest is returned for requests that can never be served,
	// such as an LPN beyond the device capacity.
	ErrInvalidRequest = errors.New("invalid request")
)

// Fatalf creates an error that wraps ErrFatal.
func Fatalf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFatal, fmt.Sprintf(format, args...))
}

// Exhaustedf creates an error that wraps ErrResourceExhausted.
func Exhaustedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s",
		ErrResourceExhausted, fmt.Sprintf(format, args...))
}

// IsFatal tells if the error aborts the subsystem that returned it.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// IsRetryable tells if the operation may succeed on a later pass.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}
