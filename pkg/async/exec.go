package async

import "context"

// Exec runs fn asynchronously for operations that only report an error.
func Exec[T any](ctx context.Context, param T, fn func(context.Context, T) error) *Future[struct{}] {
	return Async(ctx, param, func(ctx context.Context, p T) (struct{}, error) {
		return struct{}{}, fn(ctx, p)
	})
}

// ExecAll waits for all futures and returns the first error in future order.
func ExecAll(futures ...*Future[struct{}]) error {
	_, err := WaitAll(futures...)
	return err
}

// ExecAny returns the index and error of the first future to complete.
func ExecAny(futures ...*Future[struct{}]) (int, error) {
	i, _, err := WaitAny(futures...)
	return i, err
}
