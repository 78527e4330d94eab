// Package remote runs token buckets whose state lives in shared storage,
// so that many processes enforce one limit.
//
// An Executor loads the encoded entry of a key from a Backend, runs a
// ratelimiter.Command against it and writes the result back with
// compare-and-swap. When another writer wins the swap the attempt starts
// over from the read, so every command is computed against the state that
// actually won. Retries follow a RetryStrategy built on go-retry backoffs.
// Commands that leave the entry unchanged never write.
//
// Backends only move opaque bytes. Stores with a native conditional write
// (Redis scripts, row versions, document filters, S3 ETags) implement
// Backend directly. Stores that only offer a per-key lock implement
// LockingStore and are adapted with NewLockingBackend.
//
// # Proxies
//
// BucketProxy mirrors the LocalBucket API for one key:
//
//	manager := remote.NewProxyManager(backend, remote.WithKeyPrefix("api:"))
//	proxy := manager.Builder().Build("user:42", remote.StaticConfiguration(cfg))
//
//	ok, err := proxy.TryConsume(ctx, 1)
//
// The configuration supplier is called only when the entry is missing or
// must be replaced. Concurrent calls for the same key share one supplier
// invocation.
//
// With RecoveryReconstruct (default) a removed or expired entry is
// recreated on next use. RecoveryThrowBucketNotFound returns
// ErrBucketNotFound instead, once the proxy has seen the entry.
//
// WithImplicitConfigurationReplacement stamps entries with a version.
// Proxies built with a newer version migrate older entries on first
// touch; older proxies never downgrade them.
//
// # Expiry
//
// WithTTL decides how long a written entry lives. ExpireAfterFullRefill
// keeps an entry until its bucket would be full again plus a margin; past
// that point it is indistinguishable from a fresh one.
package remote
