package ratelimiter

import (
	"fmt"
	"slices"
)

// Configuration is an ordered, non-empty list of bandwidths. A token is
// consumable only when every bandwidth can give it.
type Configuration struct {
	Bandwidths []Bandwidth `json:"bandwidths" bson:"bandwidths" yaml:"bandwidths"`
}

// NewConfiguration validates the bandwidths and returns a configuration
// that owns a private copy of them.
func NewConfiguration(bandwidths ...Bandwidth) (*Configuration, error) {
	cfg := &Configuration{Bandwidths: slices.Clone(bandwidths)}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustConfiguration is like NewConfiguration but panics on error.
func MustConfiguration(bandwidths ...Bandwidth) *Configuration {
	cfg, err := NewConfiguration(bandwidths...)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate checks every bandwidth and the uniqueness of ids.
func (c *Configuration) Validate() error {
	if c == nil || len(c.Bandwidths) == 0 {
		return ErrEmptyConfiguration
	}

	seen := make(map[string]struct{}, len(c.Bandwidths))
	for i, bw := range c.Bandwidths {
		if err := bw.Validate(); err != nil {
			return fmt.Errorf("bandwidth %d: %w", i, err)
		}
		if !bw.hasID() {
			continue
		}
		if _, dup := seen[bw.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateBandwidthID, bw.ID)
		}
		seen[bw.ID] = struct{}{}
	}
	return nil
}

// Compatible reports whether other can replace c without an explicit
// token-inheritance decision: both must have the same bandwidth count.
func (c *Configuration) Compatible(other *Configuration) bool {
	return len(c.Bandwidths) == len(other.Bandwidths)
}

// Equal reports whether both configurations describe the same bandwidths
// in the same order.
func (c *Configuration) Equal(other *Configuration) bool {
	if c == nil || other == nil {
		return c == other
	}
	return slices.Equal(c.Bandwidths, other.Bandwidths)
}

// MinCapacity is the capacity of the most restrictive bandwidth.
func (c *Configuration) MinCapacity() int64 {
	capacity := c.Bandwidths[0].Capacity
	for _, bw := range c.Bandwidths[1:] {
		capacity = min(capacity, bw.Capacity)
	}
	return capacity
}

// HasAlignedBandwidth reports whether any bandwidth pins its refill to
// wall-clock time.
func (c *Configuration) HasAlignedBandwidth() bool {
	return slices.ContainsFunc(c.Bandwidths, func(bw Bandwidth) bool { return bw.Aligned })
}

func (c *Configuration) fullyIdentified() bool {
	return !slices.ContainsFunc(c.Bandwidths, func(bw Bandwidth) bool { return !bw.hasID() })
}

func (c *Configuration) undefinedIDs() int {
	n := 0
	for _, bw := range c.Bandwidths {
		if !bw.hasID() {
			n++
		}
	}
	return n
}

// checkReplacement returns an IncompatibleConfigurationError when next
// cannot take over the state of c under strategy.
func (c *Configuration) checkReplacement(next *Configuration, strategy MigrationStrategy) error {
	if strategy == MigrationReset || c.Compatible(next) {
		return nil
	}
	if c.fullyIdentified() && next.fullyIdentified() {
		return nil
	}
	return &IncompatibleConfigurationError{Previous: c, Requested: next}
}

// matchPrevious maps every bandwidth index of next to its counterpart in
// previous, or -1 when it has none. Matching goes by id while ids are
// unambiguous on both sides and falls back to position otherwise.
func matchPrevious(previous, next *Configuration) []int {
	matches := make([]int, len(next.Bandwidths))
	byID := previous.undefinedIDs() <= 1 && next.undefinedIDs() <= 1

	for i, bw := range next.Bandwidths {
		matches[i] = -1
		if !byID {
			if i < len(previous.Bandwidths) {
				matches[i] = i
			}
			continue
		}
		for j, prev := range previous.Bandwidths {
			if prev.ID == bw.ID {
				matches[i] = j
				break
			}
		}
	}
	return matches
}
