package remote

import (
	"context"
	"time"
)

// Blob is a stored entry together with the backend revision it was read at.
type Blob struct {
	Data []byte
	// Stamp identifies the revision for a conditional write: a version
	// counter, an ETag, a sequence number. Backends that compare the data
	// itself may leave it empty.
	Stamp string
}

// Backend stores serialized bucket entries and updates them only by
// compare-and-swap.
type Backend interface {
	// Load returns the blob for key. Missing and expired keys report false.
	Load(ctx context.Context, key string) (Blob, bool, error)

	// CompareAndSwap writes next when key still holds expected. A nil
	// expected means the key must not exist. A ttl of zero disables expiry.
	// Losing the race is reported as false with a nil error.
	CompareAndSwap(ctx context.Context, key string, expected *Blob, next []byte, ttl time.Duration) (bool, error)

	Remove(ctx context.Context, key string) error
}
