package ratelimiter

// Entry couples a configuration with the state it governs. It is the one
// implementation of the bucket operations: local buckets, the blocking
// facade and remote commands all call through it.
//
// Operation methods expect validated arguments and mutate the entry in
// place. Callers own synchronization.
type Entry struct {
	Config  *Configuration
	State   State
	Version int64
}

// NewEntry creates a fresh entry for cfg at now.
func NewEntry(cfg *Configuration, precision Precision, now int64) *Entry {
	return &Entry{Config: cfg, State: NewState(cfg, precision, now)}
}

// Clone returns a deep copy of the state. The configuration is shared,
// it is never mutated.
func (e *Entry) Clone() *Entry {
	return &Entry{Config: e.Config, State: e.State.Clone(), Version: e.Version}
}

// CopyFrom overwrites e with src, reusing the state storage when the
// precision matches.
func (e *Entry) CopyFrom(src *Entry) {
	e.Config = src.Config
	e.Version = src.Version
	if e.State != nil && e.State.Precision() == src.State.Precision() {
		e.State.CopyFrom(src.State)
		return
	}
	e.State = src.State.Clone()
}

func (e *Entry) refill(now int64) {
	e.State.Refill(e.Config.Bandwidths, now)
}

// AvailableTokens refills at now and returns the tokens of the most restrictive bandwidth.
func (e *Entry) AvailableTokens(now int64) int64 {
	e.refill(now)
	return e.State.AvailableTokens()
}

// TryConsume consumes tokens only when every bandwidth has them at now.
func (e *Entry) TryConsume(tokens, now int64) bool {
	e.refill(now)
	if tokens > e.State.AvailableTokens() {
		return false
	}
	e.State.Consume(tokens)
	return true
}

// TryConsumeAsMuchAsPossible consumes min(limit, available) and returns
// the consumed amount, possibly zero.
func (e *Entry) TryConsumeAsMuchAsPossible(limit, now int64) int64 {
	e.refill(now)
	toConsume := min(limit, e.State.AvailableTokens())
	if toConsume <= 0 {
		return 0
	}
	e.State.Consume(toConsume)
	return toConsume
}

// TryConsumeAndReturnRemaining is TryConsume that also reports the remaining tokens and wait times.
func (e *Entry) TryConsumeAndReturnRemaining(tokens, now int64) ConsumptionProbe {
	bws := e.Config.Bandwidths
	e.refill(now)
	available := e.State.AvailableTokens()
	if tokens > available {
		return ConsumptionProbe{
			RemainingTokens:      available,
			NanosToWaitForRefill: e.State.DelayNanos(bws, tokens, now, true),
			NanosToWaitForReset:  e.State.FullRefillNanos(bws, now),
		}
	}
	e.State.Consume(tokens)
	return ConsumptionProbe{
		Consumed:            true,
		RemainingTokens:     available - tokens,
		NanosToWaitForReset: e.State.FullRefillNanos(bws, now),
	}
}

// EstimateAbilityToConsume reports whether tokens could be consumed at now without consuming them.
func (e *Entry) EstimateAbilityToConsume(tokens, now int64) EstimationProbe {
	e.refill(now)
	available := e.State.AvailableTokens()
	if tokens > available {
		return EstimationProbe{
			RemainingTokens: available,
			NanosToWait:     e.State.DelayNanos(e.Config.Bandwidths, tokens, now, true),
		}
	}
	return EstimationProbe{CanBeConsumed: true, RemainingTokens: available}
}

// ReserveAndCalculateSleep consumes tokens when they become available
// within maxWaitNanos and returns how long the caller must wait before
// using them. Nothing is consumed and math.MaxInt64 is returned otherwise.
func (e *Entry) ReserveAndCalculateSleep(tokens, maxWaitNanos, now int64) int64 {
	e.refill(now)
	delay := e.State.DelayNanos(e.Config.Bandwidths, tokens, now, true)
	if delay == infiniteNanos || delay > maxWaitNanos {
		return infiniteNanos
	}
	e.State.Consume(tokens)
	return delay
}

// ConsumeIgnoringRateLimits always consumes, possibly into debt, and
// returns the nanoseconds of rate-limit violation. A result of
// math.MaxInt64 means nothing was consumed.
func (e *Entry) ConsumeIgnoringRateLimits(tokens, now int64) int64 {
	e.refill(now)
	penalty := e.State.DelayNanos(e.Config.Bandwidths, tokens, now, false)
	if penalty == infiniteNanos {
		return penalty
	}
	e.State.Consume(tokens)
	return penalty
}

// AddTokens adds tokens to every bandwidth, capped at capacity.
func (e *Entry) AddTokens(tokens, now int64) {
	e.refill(now)
	e.State.AddTokens(e.Config.Bandwidths, tokens)
}

// ForceAddTokens adds tokens to every bandwidth, allowing it to exceed capacity.
func (e *Entry) ForceAddTokens(tokens, now int64) {
	e.refill(now)
	e.State.ForceAddTokens(e.Config.Bandwidths, tokens)
}

// Reset refills every bandwidth to capacity.
func (e *Entry) Reset(now int64) {
	e.refill(now)
	e.State.Reset(e.Config.Bandwidths)
}

// ReplaceConfiguration swaps the configuration and migrates tokens. It
// fails without touching the entry when next is incompatible.
func (e *Entry) ReplaceConfiguration(next *Configuration, strategy MigrationStrategy, now int64) error {
	if err := e.Config.checkReplacement(next, strategy); err != nil {
		return err
	}
	e.migrate(next, strategy, now)
	return nil
}

func (e *Entry) migrate(next *Configuration, strategy MigrationStrategy, now int64) {
	e.refill(now)
	e.State = e.State.Migrate(e.Config, next, strategy, now)
	e.Config = next
}
