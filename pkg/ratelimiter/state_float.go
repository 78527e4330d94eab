package ratelimiter

import (
	"math"
	"slices"
)

// FloatSlot is the runtime state of one bandwidth in float precision.
// Fractional tokens live in Tokens itself, so RoundingErrorNanos stays zero;
// it is kept for a uniform slot shape on the wire.
type FloatSlot struct {
	Tokens             float64 `json:"tokens" bson:"tokens"`
	LastRefillNanos    int64   `json:"last_refill_nanos" bson:"last_refill_nanos"`
	RoundingErrorNanos int64   `json:"rounding_error_nanos" bson:"rounding_error_nanos"`
}

// FloatState is the reduced-precision state representation.
type FloatState struct {
	Slots []FloatSlot `json:"slots" bson:"slots"`
}

var _ State = (*FloatState)(nil)

func newFloatState(cfg *Configuration, now int64) *FloatState {
	s := &FloatState{Slots: make([]FloatSlot, len(cfg.Bandwidths))}
	for i, bw := range cfg.Bandwidths {
		s.Slots[i] = FloatSlot{
			Tokens:          float64(bw.initialTokens(now)),
			LastRefillNanos: bw.initialLastRefill(now),
		}
	}
	return s
}

func (s *FloatState) Precision() Precision { return PrecisionFloat }

func (s *FloatState) Len() int { return len(s.Slots) }

func (s *FloatState) Clone() State {
	return &FloatState{Slots: slices.Clone(s.Slots)}
}

func (s *FloatState) CopyFrom(src State) {
	other := src.(*FloatState)
	s.Slots = append(s.Slots[:0], other.Slots...)
}

func (s *FloatState) Refill(bandwidths []Bandwidth, now int64) {
	for i, bw := range bandwidths {
		s.refillSlot(i, bw, now)
	}
}

func (s *FloatState) refillSlot(i int, bw Bandwidth, now int64) {
	slot := &s.Slots[i]
	previous := slot.LastRefillNanos
	if now <= previous {
		return
	}
	if bw.RefillIntervally {
		now -= (now - previous) % bw.RefillPeriodNanos
		if now <= previous {
			return
		}
	}
	slot.LastRefillNanos = now

	capacity := float64(bw.Capacity)
	if slot.Tokens >= capacity {
		return
	}
	refill := float64(now-previous) / float64(bw.RefillPeriodNanos) * float64(bw.RefillTokens)
	slot.Tokens = min(slot.Tokens+refill, capacity)
}

func (s *FloatState) AvailableTokens() int64 {
	available := s.Slots[0].Tokens
	for _, slot := range s.Slots[1:] {
		available = min(available, slot.Tokens)
	}
	return floatToInt64(math.Floor(available))
}

func (s *FloatState) Consume(tokens int64) {
	for i := range s.Slots {
		s.Slots[i].Tokens -= float64(tokens)
	}
}

func (s *FloatState) AddTokens(bandwidths []Bandwidth, tokens int64) {
	for i, bw := range bandwidths {
		slot := &s.Slots[i]
		slot.Tokens = min(slot.Tokens+float64(tokens), float64(bw.Capacity))
	}
}

func (s *FloatState) ForceAddTokens(_ []Bandwidth, tokens int64) {
	for i := range s.Slots {
		s.Slots[i].Tokens += float64(tokens)
	}
}

func (s *FloatState) Reset(bandwidths []Bandwidth) {
	for i, bw := range bandwidths {
		s.Slots[i].Tokens = float64(bw.Capacity)
	}
}

func (s *FloatState) DelayNanos(bandwidths []Bandwidth, tokens, now int64, checkCapacity bool) int64 {
	var delay int64
	for i, bw := range bandwidths {
		if checkCapacity && tokens > bw.Capacity {
			return infiniteNanos
		}
		delay = max(delay, s.slotDelay(i, bw, float64(tokens), now))
		if delay == infiniteNanos {
			return delay
		}
	}
	return delay
}

func (s *FloatState) FullRefillNanos(bandwidths []Bandwidth, now int64) int64 {
	var delay int64
	for i, bw := range bandwidths {
		delay = max(delay, s.slotDelay(i, bw, float64(bw.Capacity), now))
	}
	return delay
}

func (s *FloatState) slotDelay(i int, bw Bandwidth, tokens float64, now int64) int64 {
	slot := s.Slots[i]
	if tokens <= slot.Tokens {
		return 0
	}
	deficit := tokens - slot.Tokens
	period, refillTokens := float64(bw.RefillPeriodNanos), float64(bw.RefillTokens)

	if !bw.RefillIntervally {
		delay := floatToInt64(math.Ceil(deficit * period / refillTokens))
		// refillSlot divides before multiplying, which can round below the
		// target; step forward until that formula reaches it.
		for range 4 {
			if delay == infiniteNanos || slot.Tokens+float64(delay)/period*refillTokens >= tokens {
				break
			}
			delay++
		}
		return delay
	}

	waitForNext := float64(max(0, slot.LastRefillNanos+bw.RefillPeriodNanos-now))
	if deficit <= refillTokens {
		return int64(waitForNext)
	}
	periods := math.Ceil((deficit - refillTokens) / refillTokens)
	return floatToInt64(waitForNext + periods*period)
}

func (s *FloatState) Migrate(previous, next *Configuration, strategy MigrationStrategy, now int64) State {
	fresh := newFloatState(next, now)
	if strategy == MigrationReset {
		return fresh
	}
	for i, j := range matchPrevious(previous, next) {
		if j < 0 {
			continue
		}
		fresh.Slots[i] = migrateFloatSlot(s.Slots[j], previous.Bandwidths[j], next.Bandwidths[i], strategy)
	}
	return fresh
}

// migrateFloatSlot applies the migration formulas uniformly; unlike the
// integer state it has no special case for a slot holding more than the
// previous capacity.
func migrateFloatSlot(old FloatSlot, prev, next Bandwidth, strategy MigrationStrategy) FloatSlot {
	out := FloatSlot{LastRefillNanos: old.LastRefillNanos}
	newCapacity := float64(next.Capacity)

	switch strategy {
	case MigrationAsIs:
		out.Tokens = min(old.Tokens, newCapacity)
	case MigrationProportional:
		out.Tokens = min(old.Tokens*newCapacity/float64(prev.Capacity), newCapacity)
	case MigrationAdditive:
		out.Tokens = min(min(old.Tokens, newCapacity)+max(0, newCapacity-float64(prev.Capacity)), newCapacity)
	}
	return out
}
