// Package ratelimiter implements token bucket rate limiting with multiple
// bandwidths, exact integer arithmetic and configuration hot-swap.
//
// A bucket is governed by a Configuration: an ordered list of Bandwidths,
// each a capacity plus a refill rate. A token can be consumed only when
// every bandwidth has it, so a bucket limited to "100 per minute and 10 per
// second" rejects bursts above 10 while still enforcing the minute budget.
//
// # Refill Modes
//
// Greedy bandwidths accrue tokens continuously. The fractional token that
// integer division would drop is banked as a rounding error and carried to
// the next refill, so refilling every millisecond yields exactly the same
// tokens as refilling once per period.
//
// Interval bandwidths add their tokens in one lump at the end of every
// period. AlignedAt pins the period boundaries to wall-clock time (for
// example, the top of every hour); such buckets need a wall clock.
//
// # Usage
//
//	perSecond, _ := ratelimiter.NewBandwidth(10, 10, time.Second, ratelimiter.WithID("second"))
//	perMinute, _ := ratelimiter.NewBandwidth(100, 100, time.Minute, ratelimiter.WithID("minute"))
//	cfg, err := ratelimiter.NewConfiguration(perSecond, perMinute)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	bucket, err := ratelimiter.NewLocalBucket(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	probe, err := bucket.TryConsumeAndReturnRemaining(1)
//	if err != nil {
//		return err
//	}
//	if !probe.Consumed {
//		log.Printf("rate limited, retry in %s", probe.WaitForRefill())
//	}
//
// Waiting for tokens instead of rejecting:
//
//	err := bucket.Blocking().Consume(ctx, 5)
//
// Keyed limiting for a single process, e.g. per client IP:
//
//	registry, err := ratelimiter.NewRegistry(cfg, ratelimiter.WithCleanupInterval(time.Minute))
//	g.Go(registry.Run(ctx))
//
//	result, err := registry.Allow(ctx, clientIP)
//	if err == nil && !result.Allowed() {
//		w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter().Seconds())))
//	}
//
// # Synchronization
//
// LocalBucket supports three strategies selected with WithSynchronization:
// LockFree (default, atomic pointer swap with retry), Mutex and
// Unsynchronized. They run the same Entry operations and return identical
// results for identical call sequences.
//
// # Configuration Replacement
//
// ReplaceConfiguration swaps the configuration of a live bucket. The
// MigrationStrategy decides what happens to available tokens: Reset starts
// over, AsIs keeps them (capped by the new capacity), Proportional scales
// them by the capacity ratio and Additive grants the capacity increase.
// Bandwidths are matched by id when ids are unambiguous and by position
// otherwise. Replacing with a different number of bandwidths requires
// either MigrationReset or ids on every bandwidth of both configurations.
//
// # Commands
//
// Every operation also exists as a serializable Command. Execute runs a
// command against a MutableEntry; the remote package uses this to run
// operations against state kept in shared storage.
//
// # Error Handling
//
// Construction errors (ErrInvalidBandwidth, ErrEmptyConfiguration,
// ErrDuplicateBandwidthID, ErrAlignmentRequiresWallClock) are returned when
// building bandwidths, configurations and buckets. Usage errors
// (ErrInvalidTokenCount, ErrInvalidWaitDuration) are returned before any
// state is touched. Arithmetic overflow is never an error: it saturates.
package ratelimiter
