package ratelimiter

import (
	"fmt"
	"time"
)

// Bandwidth is one capacity + refill-rate limit within a bucket.
// Values are immutable once built; copy freely.
type Bandwidth struct {
	ID                       string `json:"id,omitempty" bson:"id,omitempty" yaml:"id,omitempty"`
	Capacity                 int64  `json:"capacity" bson:"capacity" yaml:"capacity"`
	InitialTokens            int64  `json:"initial_tokens" bson:"initial_tokens" yaml:"initial_tokens"`
	RefillPeriodNanos        int64  `json:"refill_period_nanos" bson:"refill_period_nanos" yaml:"refill_period_nanos"`
	RefillTokens             int64  `json:"refill_tokens" bson:"refill_tokens" yaml:"refill_tokens"`
	RefillIntervally         bool   `json:"refill_intervally,omitempty" bson:"refill_intervally,omitempty" yaml:"refill_intervally,omitempty"`
	Aligned                  bool   `json:"aligned,omitempty" bson:"aligned,omitempty" yaml:"aligned,omitempty"`
	TimeOfFirstRefillNanos   int64  `json:"time_of_first_refill_nanos,omitempty" bson:"time_of_first_refill_nanos,omitempty" yaml:"time_of_first_refill_nanos,omitempty"`
	UseAdaptiveInitialTokens bool   `json:"use_adaptive_initial_tokens,omitempty" bson:"use_adaptive_initial_tokens,omitempty" yaml:"use_adaptive_initial_tokens,omitempty"`
}

// BandwidthOption configures a Bandwidth built by NewBandwidth.
type BandwidthOption func(*bandwidthBuilder)

type bandwidthBuilder struct {
	bw             Bandwidth
	initialTokens  *int64
	adaptiveTokens bool
}

// WithID sets the stable identifier used to match bandwidths across a
// configuration replacement.
func WithID(id string) BandwidthOption {
	return func(b *bandwidthBuilder) {
		b.bw.ID = id
	}
}

// WithInitialTokens overrides the default initial token count (capacity).
func WithInitialTokens(tokens int64) BandwidthOption {
	return func(b *bandwidthBuilder) {
		b.initialTokens = &tokens
	}
}

// Intervally switches refill from greedy to interval mode: tokens appear in
// one lump at the end of every period.
func Intervally() BandwidthOption {
	return func(b *bandwidthBuilder) {
		b.bw.RefillIntervally = true
	}
}

// AlignedAt pins interval refill boundaries to the given wall-clock instant.
// When adaptive is true, a bucket created before firstRefill starts with
// tokens proportional to the time remaining until that instant.
func AlignedAt(firstRefill time.Time, adaptive bool) BandwidthOption {
	return func(b *bandwidthBuilder) {
		b.bw.RefillIntervally = true
		b.bw.Aligned = true
		b.bw.TimeOfFirstRefillNanos = firstRefill.UnixNano()
		b.adaptiveTokens = adaptive
	}
}

// NewBandwidth builds a validated bandwidth that refills refillTokens every
// period, greedily unless Intervally or AlignedAt is given.
func NewBandwidth(capacity, refillTokens int64, period time.Duration, opts ...BandwidthOption) (Bandwidth, error) {
	b := &bandwidthBuilder{
		bw: Bandwidth{
			Capacity:          capacity,
			InitialTokens:     capacity,
			RefillPeriodNanos: int64(period),
			RefillTokens:      refillTokens,
		},
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.adaptiveTokens && b.initialTokens != nil {
		return Bandwidth{}, fmt.Errorf("%w: adaptive initial tokens cannot be combined with explicit initial tokens", ErrInvalidBandwidth)
	}
	if b.initialTokens != nil {
		b.bw.InitialTokens = *b.initialTokens
	}
	b.bw.UseAdaptiveInitialTokens = b.adaptiveTokens

	if err := b.bw.Validate(); err != nil {
		return Bandwidth{}, err
	}
	return b.bw, nil
}

// Simple returns a greedy bandwidth that refills its full capacity every period.
func Simple(capacity int64, period time.Duration) (Bandwidth, error) {
	return NewBandwidth(capacity, capacity, period)
}

// Validate reports whether the bandwidth is usable. Deserialized bandwidths
// go through the same checks as built ones.
func (b Bandwidth) Validate() error {
	switch {
	case b.Capacity <= 0:
		return fmt.Errorf("%w: capacity %d must be positive", ErrInvalidBandwidth, b.Capacity)
	case b.InitialTokens < 0:
		return fmt.Errorf("%w: initial tokens %d must not be negative", ErrInvalidBandwidth, b.InitialTokens)
	case b.RefillPeriodNanos <= 0:
		return fmt.Errorf("%w: refill period %d ns must be positive", ErrInvalidBandwidth, b.RefillPeriodNanos)
	case b.RefillTokens <= 0:
		return fmt.Errorf("%w: refill tokens %d must be positive", ErrInvalidBandwidth, b.RefillTokens)
	case b.RefillTokens > b.RefillPeriodNanos:
		return fmt.Errorf("%w: refill rate %d tokens per %d ns exceeds one token per nanosecond",
			ErrInvalidBandwidth, b.RefillTokens, b.RefillPeriodNanos)
	case b.Aligned && !b.RefillIntervally:
		return fmt.Errorf("%w: aligned refill must be interval refill", ErrInvalidBandwidth)
	case b.UseAdaptiveInitialTokens && !b.Aligned:
		return fmt.Errorf("%w: adaptive initial tokens require aligned refill", ErrInvalidBandwidth)
	}
	return nil
}

// Greedy reports whether tokens accrue continuously.
func (b Bandwidth) Greedy() bool {
	return !b.RefillIntervally
}

func (b Bandwidth) hasID() bool {
	return b.ID != ""
}

// initialLastRefill is the timestamp a fresh slot starts from. Aligned
// bandwidths pretend the previous boundary was one period before the first
// aligned refill.
func (b Bandwidth) initialLastRefill(now int64) int64 {
	if !b.Aligned {
		return now
	}
	return b.TimeOfFirstRefillNanos - b.RefillPeriodNanos
}

func (b Bandwidth) initialTokens(now int64) int64 {
	if !b.UseAdaptiveInitialTokens || now >= b.TimeOfFirstRefillNanos {
		return b.InitialTokens
	}

	guaranteed := max(0, b.Capacity-b.RefillTokens)
	beforeFirstRefill := b.TimeOfFirstRefillNanos - now
	product, ok := multiplyExact(beforeFirstRefill, b.RefillTokens)
	if !ok {
		approx := floatToInt64(float64(beforeFirstRefill) * float64(b.RefillTokens) / float64(b.RefillPeriodNanos))
		return min(b.Capacity, addSaturating(guaranteed, approx))
	}
	return min(b.Capacity, guaranteed+product/b.RefillPeriodNanos)
}
