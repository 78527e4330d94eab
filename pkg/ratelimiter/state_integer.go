package ratelimiter

import (
	"math"
	"slices"
)

// IntegerSlot is the runtime state of one bandwidth in integer precision.
// RoundingErrorNanos banks the fractional token produced by greedy refill,
// scaled by the refill period.
type IntegerSlot struct {
	Tokens             int64 `json:"tokens" bson:"tokens"`
	LastRefillNanos    int64 `json:"last_refill_nanos" bson:"last_refill_nanos"`
	RoundingErrorNanos int64 `json:"rounding_error_nanos" bson:"rounding_error_nanos"`
}

// IntegerState is the default, exact state representation.
type IntegerState struct {
	Slots []IntegerSlot `json:"slots" bson:"slots"`
}

var _ State = (*IntegerState)(nil)

func newIntegerState(cfg *Configuration, now int64) *IntegerState {
	s := &IntegerState{Slots: make([]IntegerSlot, len(cfg.Bandwidths))}
	for i, bw := range cfg.Bandwidths {
		s.Slots[i] = IntegerSlot{
			Tokens:          bw.initialTokens(now),
			LastRefillNanos: bw.initialLastRefill(now),
		}
	}
	return s
}

func (s *IntegerState) Precision() Precision { return PrecisionInteger }

func (s *IntegerState) Len() int { return len(s.Slots) }

func (s *IntegerState) Clone() State {
	return &IntegerState{Slots: slices.Clone(s.Slots)}
}

func (s *IntegerState) CopyFrom(src State) {
	other := src.(*IntegerState)
	s.Slots = append(s.Slots[:0], other.Slots...)
}

func (s *IntegerState) Refill(bandwidths []Bandwidth, now int64) {
	for i, bw := range bandwidths {
		s.refillSlot(i, bw, now)
	}
}

func (s *IntegerState) refillSlot(i int, bw Bandwidth, now int64) {
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

	capacity := bw.Capacity
	if slot.Tokens >= capacity {
		// surplus from ForceAddTokens is kept until consumed
		return
	}

	period, refillTokens := bw.RefillPeriodNanos, bw.RefillTokens
	duration := now - previous
	if duration < 0 {
		slot.saturate(capacity)
		return
	}

	size := slot.Tokens
	if duration > period {
		refill, ok := multiplyExact(duration/period, refillTokens)
		if !ok {
			slot.saturate(capacity)
			return
		}
		size = addSaturating(size, refill)
		if size >= capacity {
			slot.saturate(capacity)
			return
		}
		duration %= period
	}

	roundingError := slot.RoundingErrorNanos
	product, ok := multiplyExact(refillTokens, duration)
	divided := product + roundingError
	if !ok || divided < product {
		// too large for integer arithmetic, precision loss is acceptable here
		refill := floatToInt64(float64(duration) / float64(period) * float64(refillTokens))
		size = addSaturating(size, refill)
		roundingError = 0
	} else {
		size = addSaturating(size, divided/period)
		roundingError = divided % period
	}

	if size >= capacity {
		slot.saturate(capacity)
		return
	}
	slot.Tokens = size
	slot.RoundingErrorNanos = roundingError
}

func (slot *IntegerSlot) saturate(capacity int64) {
	slot.Tokens = capacity
	slot.RoundingErrorNanos = 0
}

func (s *IntegerState) AvailableTokens() int64 {
	available := s.Slots[0].Tokens
	for _, slot := range s.Slots[1:] {
		available = min(available, slot.Tokens)
	}
	return available
}

func (s *IntegerState) Consume(tokens int64) {
	for i := range s.Slots {
		s.Slots[i].Tokens = addSaturating(s.Slots[i].Tokens, -tokens)
	}
}

func (s *IntegerState) AddTokens(bandwidths []Bandwidth, tokens int64) {
	for i, bw := range bandwidths {
		slot := &s.Slots[i]
		size := addSaturating(slot.Tokens, tokens)
		if size >= bw.Capacity {
			slot.saturate(bw.Capacity)
			continue
		}
		slot.Tokens = size
	}
}

func (s *IntegerState) ForceAddTokens(bandwidths []Bandwidth, tokens int64) {
	for i, bw := range bandwidths {
		slot := &s.Slots[i]
		slot.Tokens = addSaturating(slot.Tokens, tokens)
		if slot.Tokens >= bw.Capacity {
			slot.RoundingErrorNanos = 0
		}
	}
}

func (s *IntegerState) Reset(bandwidths []Bandwidth) {
	for i, bw := range bandwidths {
		s.Slots[i].saturate(bw.Capacity)
	}
}

func (s *IntegerState) DelayNanos(bandwidths []Bandwidth, tokens, now int64, checkCapacity bool) int64 {
	var delay int64
	for i, bw := range bandwidths {
		if checkCapacity && tokens > bw.Capacity {
			return infiniteNanos
		}
		delay = max(delay, s.slotDelay(i, bw, tokens, now))
		if delay == infiniteNanos {
			return delay
		}
	}
	return delay
}

func (s *IntegerState) FullRefillNanos(bandwidths []Bandwidth, now int64) int64 {
	var delay int64
	for i, bw := range bandwidths {
		if s.Slots[i].Tokens >= bw.Capacity {
			continue
		}
		delay = max(delay, s.slotDelay(i, bw, bw.Capacity, now))
	}
	return delay
}

func (s *IntegerState) slotDelay(i int, bw Bandwidth, tokens, now int64) int64 {
	slot := s.Slots[i]
	if tokens <= slot.Tokens {
		return 0
	}
	deficit := tokens - slot.Tokens
	if deficit <= 0 {
		return infiniteNanos
	}

	period, refillTokens := bw.RefillPeriodNanos, bw.RefillTokens
	if bw.RefillIntervally {
		return intervalDelay(slot.LastRefillNanos, period, refillTokens, deficit, now)
	}

	divided, ok := multiplyExact(period, deficit)
	if !ok {
		return floatToInt64(math.Ceil(float64(deficit) / float64(refillTokens) * float64(period)))
	}
	divided -= slot.RoundingErrorNanos
	return ceilDiv(divided, refillTokens)
}

// intervalDelay waits for the next boundary and then for as many whole
// periods as the remaining deficit needs.
func intervalDelay(lastRefill, period, refillTokens, deficit, now int64) int64 {
	waitForNext := max(0, lastRefill+period-now)
	if deficit <= refillTokens {
		return waitForNext
	}
	periods := ceilDiv(deficit-refillTokens, refillTokens)
	extra, ok := multiplyExact(periods, period)
	if !ok {
		return infiniteNanos
	}
	total := addSaturating(extra, waitForNext)
	if total == math.MaxInt64 {
		return infiniteNanos
	}
	return total
}

func ceilDiv(a, b int64) int64 {
	q := a / b
	if a%b > 0 {
		q++
	}
	return q
}

func (s *IntegerState) Migrate(previous, next *Configuration, strategy MigrationStrategy, now int64) State {
	fresh := newIntegerState(next, now)
	if strategy == MigrationReset {
		return fresh
	}
	for i, j := range matchPrevious(previous, next) {
		if j < 0 {
			continue
		}
		fresh.Slots[i] = migrateIntegerSlot(s.Slots[j], previous.Bandwidths[j], next.Bandwidths[i], strategy)
	}
	return fresh
}

func migrateIntegerSlot(old IntegerSlot, prev, next Bandwidth, strategy MigrationStrategy) IntegerSlot {
	out := IntegerSlot{LastRefillNanos: old.LastRefillNanos}
	newCapacity := next.Capacity

	switch strategy {
	case MigrationAsIs:
		if old.Tokens >= prev.Capacity {
			out.Tokens = newCapacity
			return out
		}
		out.Tokens = min(old.Tokens, newCapacity)
		if out.Tokens < newCapacity && prev.Greedy() && next.Greedy() {
			out.RoundingErrorNanos = rescaleRoundingError(old.RoundingErrorNanos, prev.RefillPeriodNanos, next.RefillPeriodNanos)
		}

	case MigrationProportional:
		if old.Tokens >= prev.Capacity {
			out.Tokens = newCapacity
			return out
		}
		fraction := float64(old.RoundingErrorNanos) / float64(prev.RefillPeriodNanos)
		exact := (float64(old.Tokens) + fraction) * (float64(newCapacity) / float64(prev.Capacity))
		if exact >= float64(newCapacity) {
			out.Tokens = newCapacity
			return out
		}
		whole := math.Floor(exact)
		out.Tokens = floatToInt64(whole)
		if next.Greedy() && out.Tokens != math.MinInt64 {
			out.RoundingErrorNanos = clampRoundingError(int64((exact-whole)*float64(next.RefillPeriodNanos)), next.RefillPeriodNanos)
		}

	case MigrationAdditive:
		out.Tokens = addSaturating(min(old.Tokens, newCapacity), max(0, newCapacity-prev.Capacity))
		if out.Tokens >= newCapacity {
			out.Tokens = newCapacity
			return out
		}
		if prev.Greedy() && next.Greedy() {
			out.RoundingErrorNanos = rescaleRoundingError(old.RoundingErrorNanos, prev.RefillPeriodNanos, next.RefillPeriodNanos)
		}
	}
	return out
}

func rescaleRoundingError(roundingError, fromPeriod, toPeriod int64) int64 {
	if roundingError == 0 || fromPeriod == toPeriod {
		return clampRoundingError(roundingError, toPeriod)
	}
	scaled := int64(float64(roundingError) / float64(fromPeriod) * float64(toPeriod))
	return clampRoundingError(scaled, toPeriod)
}

func clampRoundingError(roundingError, period int64) int64 {
	return min(max(0, roundingError), period-1)
}
