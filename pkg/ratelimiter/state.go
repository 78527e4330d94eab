package ratelimiter

import "fmt"

// Precision selects the numeric representation of a bucket state.
type Precision uint8

const (
	// PrecisionInteger keeps exact int64 tokens with a carried rounding error.
	PrecisionInteger Precision = iota
	// PrecisionFloat keeps float64 tokens. Use it only where a store or
	// evaluator cannot hold 64-bit integers.
	PrecisionFloat
)

func (p Precision) String() string {
	switch p {
	case PrecisionInteger:
		return "integer"
	case PrecisionFloat:
		return "float"
	}
	return fmt.Sprintf("precision(%d)", uint8(p))
}

// MigrationStrategy decides how available tokens survive a configuration
// replacement.
type MigrationStrategy uint8

const (
	// MigrationReset starts every bandwidth full, as if freshly created.
	MigrationReset MigrationStrategy = iota
	// MigrationAsIs keeps the token count, capped at the new capacity.
	MigrationAsIs
	// MigrationProportional keeps the fill ratio of the old capacity.
	MigrationProportional
	// MigrationAdditive keeps the token count and adds any capacity increase.
	MigrationAdditive
)

func (s MigrationStrategy) String() string {
	switch s {
	case MigrationReset:
		return "reset"
	case MigrationAsIs:
		return "as_is"
	case MigrationProportional:
		return "proportional"
	case MigrationAdditive:
		return "additive"
	}
	return fmt.Sprintf("migration(%d)", uint8(s))
}

// ParseMigrationStrategy is the inverse of MigrationStrategy.String.
func ParseMigrationStrategy(s string) (MigrationStrategy, error) {
	for _, strategy := range []MigrationStrategy{MigrationReset, MigrationAsIs, MigrationProportional, MigrationAdditive} {
		if strategy.String() == s {
			return strategy, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown migration strategy %q", ErrInvalidConfig, s)
}

// State is the mutable per-bandwidth runtime state of a bucket, one slot per
// bandwidth position. Both implementations share semantics and differ only
// in numeric representation. Methods taking bandwidths expect them in the
// same order the state was created with.
type State interface {
	Precision() Precision
	Len() int
	Clone() State
	// CopyFrom overwrites the receiver with src, reusing its storage.
	// src must have the same precision.
	CopyFrom(src State)

	Refill(bandwidths []Bandwidth, now int64)
	AvailableTokens() int64
	Consume(tokens int64)
	AddTokens(bandwidths []Bandwidth, tokens int64)
	ForceAddTokens(bandwidths []Bandwidth, tokens int64)
	Reset(bandwidths []Bandwidth)

	// DelayNanos returns nanoseconds until tokens can be consumed, or
	// math.MaxInt64 when waiting can never satisfy the request.
	DelayNanos(bandwidths []Bandwidth, tokens, now int64, checkCapacity bool) int64
	// FullRefillNanos returns nanoseconds until every slot is full.
	FullRefillNanos(bandwidths []Bandwidth, now int64) int64

	// Migrate builds the state for next from the receiver, which must
	// already be refilled to now.
	Migrate(previous, next *Configuration, strategy MigrationStrategy, now int64) State
}

// NewState creates the initial state of cfg at now.
func NewState(cfg *Configuration, precision Precision, now int64) State {
	if precision == PrecisionFloat {
		return newFloatState(cfg, now)
	}
	return newIntegerState(cfg, now)
}
