package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// LockingStore is a key/value store without native compare-and-swap but
// with a per-key lock. NewLockingBackend builds a Backend from it.
type LockingStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	PutIfAbsent(ctx context.Context, key string, data []byte, ttl time.Duration) (bool, error)
	Put(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error

	// Lock acquires the lock for key without waiting. It returns ErrLockHeld
	// when another owner holds it. The returned function releases the lock.
	Lock(ctx context.Context, key string) (func(context.Context) error, error)
}

const (
	removeLockWait     = 5 * time.Second
	removeLockInterval = 2 * time.Millisecond
)

type lockingBackend struct {
	store LockingStore
}

// NewLockingBackend adapts store to Backend. Updates take the key lock,
// compare the stored bytes with the expected blob and write under the lock.
func NewLockingBackend(store LockingStore) Backend {
	return &lockingBackend{store: store}
}

func (b *lockingBackend) Load(ctx context.Context, key string) (Blob, bool, error) {
	data, ok, err := b.store.Get(ctx, key)
	if err != nil || !ok {
		return Blob{}, false, err
	}
	return Blob{Data: data}, true, nil
}

func (b *lockingBackend) CompareAndSwap(ctx context.Context, key string, expected *Blob, next []byte, ttl time.Duration) (swapped bool, err error) {
	if expected == nil {
		return b.store.PutIfAbsent(ctx, key, next, ttl)
	}

	unlock, err := b.store.Lock(ctx, key)
	if errors.Is(err, ErrLockHeld) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() {
		if uerr := unlock(context.WithoutCancel(ctx)); uerr != nil && err == nil {
			err = uerr
		}
	}()

	current, ok, err := b.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || !bytes.Equal(current, expected.Data) {
		return false, nil
	}
	if err := b.store.Put(ctx, key, next, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Remove takes the key lock, waiting for a concurrent update to finish,
// so an in-flight Put cannot bring the entry back after it is removed.
func (b *lockingBackend) Remove(ctx context.Context, key string) (err error) {
	backoff := retry.WithMaxDuration(removeLockWait, retry.NewConstant(removeLockInterval))
	unlock, err := retry.DoValue(ctx, backoff, func(ctx context.Context) (func(context.Context) error, error) {
		unlock, err := b.store.Lock(ctx, key)
		if errors.Is(err, ErrLockHeld) {
			return nil, retry.RetryableError(err)
		}
		return unlock, err
	})
	if err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	defer func() {
		if uerr := unlock(context.WithoutCancel(ctx)); uerr != nil && err == nil {
			err = uerr
		}
	}()
	return b.store.Remove(ctx, key)
}
