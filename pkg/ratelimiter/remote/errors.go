package remote

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrBucketNotFound = errors.New("bucket not found")
	ErrRetryExhausted = errors.New("compare-and-swap retries exhausted")
	ErrNilSupplier    = errors.New("configuration supplier returned nil")
	ErrEmptyKey       = errors.New("bucket key must not be empty")

	// ErrLockHeld is returned by a LockingStore when another owner holds the
	// key lock. The locking backend reports it as a lost compare-and-swap.
	ErrLockHeld = errors.New("lock held by another owner")

	errLostCAS = errors.New("lost compare-and-swap")
)

// RetryExhaustedError reports that an operation kept losing the
// compare-and-swap until the retry strategy gave up.
type RetryExhaustedError struct {
	Key      string
	Attempts int
	Elapsed  time.Duration
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s: key %q after %d attempts in %s", ErrRetryExhausted, e.Key, e.Attempts, e.Elapsed)
}

func (e *RetryExhaustedError) Unwrap() error {
	return ErrRetryExhausted
}
