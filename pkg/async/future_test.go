package async_test

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/dmitrymomot/tokenbucket/pkg/async"
)

func TestAsync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	future := async.Async(ctx, 21, func(ctx context.Context, n int) (string, error) {
		return strconv.Itoa(n * 2), nil
	})

	value, err := future.Await()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if value != "42" {
		t.Errorf("Expected 42, got %q", value)
	}
	if !future.IsComplete() {
		t.Error("Future must be complete after Await")
	}
}

func TestAwaitWithTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	slow := async.Async(ctx, 200, func(ctx context.Context, ms int) (int, error) {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return ms, nil
	})

	_, err := slow.AwaitWithTimeout(20 * time.Millisecond)
	if !errors.Is(err, async.ErrTimeout) {
		t.Errorf("Expected timeout error, got: %v", err)
	}
	if slow.IsComplete() {
		t.Error("Slow future must still be running")
	}
}

func TestAwaitContext(t *testing.T) {
	t.Parallel()

	blocked := make(chan struct{})
	defer close(blocked)
	future := async.Async(context.Background(), 0, func(ctx context.Context, _ int) (int, error) {
		<-blocked
		return 1, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := future.AwaitContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got: %v", err)
	}
}

func TestCompleted(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	future := async.Completed(7, boom)

	if !future.IsComplete() {
		t.Fatal("Completed future must be complete")
	}
	value, err := future.Await()
	if value != 7 || !errors.Is(err, boom) {
		t.Errorf("Unexpected outcome: %d, %v", value, err)
	}
}

func TestWaitAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	square := func(ctx context.Context, n int) (int, error) {
		time.Sleep(time.Duration(n) * time.Millisecond)
		return n * n, nil
	}

	values, err := async.WaitAll(
		async.Async(ctx, 3, square),
		async.Async(ctx, 1, square),
		async.Async(ctx, 2, square),
	)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	expected := []int{9, 1, 4}
	for i := range expected {
		if values[i] != expected[i] {
			t.Errorf("Result %d: expected %d, got %d", i, expected[i], values[i])
		}
	}
}

func TestWaitAny(t *testing.T) {
	t.Parallel()

	if _, _, err := async.WaitAny[int](); !errors.Is(err, async.ErrNoFutures) {
		t.Errorf("Expected ErrNoFutures, got: %v", err)
	}

	index, value, err := async.WaitAny(
		async.Async(context.Background(), 100, func(ctx context.Context, ms int) (int, error) {
			time.Sleep(time.Duration(ms) * time.Millisecond)
			return ms, nil
		}),
		async.Completed(5, nil),
	)
	if err != nil || index != 1 || value != 5 {
		t.Errorf("Expected the completed future to win, got %d, %d, %v", index, value, err)
	}
}
