// Package async runs functions in goroutines and hands back a Future for
// their result.
//
//	f := async.Async(ctx, key, load)
//	blob, err := f.AwaitContext(ctx)
//
// Completed returns an already resolved Future, which lets synchronous
// implementations satisfy asynchronous interfaces without a goroutine.
//
// WaitAll collects every result and returns the first error; WaitAny
// returns the first future to finish. Exec, ExecAll and ExecAny are the
// same helpers for functions that return only an error.
//
// AwaitWithTimeout returns ErrTimeout when the duration elapses first and
// WaitAny returns ErrNoFutures for an empty argument list. A context that
// is already canceled when the goroutine starts resolves the future with
// the context error without calling the function.
package async
