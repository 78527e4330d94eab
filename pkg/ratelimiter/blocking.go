package ratelimiter

import (
	"context"
	"fmt"
	"time"
)

// ReserveFunc reserves tokens that become available within maxWait and
// returns the delay before they may be used, or InfiniteDuration when
// nothing was reserved.
type ReserveFunc func(ctx context.Context, tokens int64, maxWait time.Duration) (time.Duration, error)

// ParkFunc suspends the caller for d or until ctx is done.
type ParkFunc func(ctx context.Context, d time.Duration) error

// BlockingOption configures a BlockingBucket.
type BlockingOption func(*BlockingBucket)

// WithBlockingListener sets the listener notified about parking.
func WithBlockingListener(l Listener) BlockingOption {
	return func(b *BlockingBucket) {
		if l != nil {
			b.listener = l
		}
	}
}

// WithParker replaces the timer-based parking strategy.
func WithParker(park ParkFunc) BlockingOption {
	return func(b *BlockingBucket) {
		if park != nil {
			b.park = park
		}
	}
}

// BlockingBucket parks callers for the delay computed by a reservation.
// Tokens stay reserved when the wait is interrupted; returning them is the
// caller's job (AddTokens).
type BlockingBucket struct {
	reserve  ReserveFunc
	park     ParkFunc
	listener Listener
}

// NewBlockingBucket wraps a reservation function with parking.
func NewBlockingBucket(reserve ReserveFunc, opts ...BlockingOption) *BlockingBucket {
	b := &BlockingBucket{
		reserve:  reserve,
		park:     parkOnTimer,
		listener: NopListener{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Consume waits as long as needed for tokens. It fails with
// ErrReservationOverflow when no amount of waiting can satisfy the request.
func (b *BlockingBucket) Consume(ctx context.Context, tokens int64) error {
	delay, err := b.reserve(ctx, tokens, InfiniteDuration)
	if err != nil {
		return err
	}
	if delay == InfiniteDuration {
		return fmt.Errorf("%w: %d tokens", ErrReservationOverflow, tokens)
	}
	return b.wait(ctx, delay)
}

// TryConsume waits at most maxWait for tokens and reports whether they
// were obtained.
func (b *BlockingBucket) TryConsume(ctx context.Context, tokens int64, maxWait time.Duration) (bool, error) {
	delay, err := b.reserve(ctx, tokens, maxWait)
	if err != nil {
		return false, err
	}
	if delay == InfiniteDuration {
		return false, nil
	}
	if err := b.wait(ctx, delay); err != nil {
		return false, err
	}
	return true, nil
}

func (b *BlockingBucket) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	if err := b.park(ctx, delay); err != nil {
		b.listener.OnInterrupted(err)
		return fmt.Errorf("%w: %w", ErrContextCancelled, err)
	}
	b.listener.OnParked(int64(delay))
	return nil
}

func parkOnTimer(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
