package ratelimiter

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig              = errors.New("invalid configuration")
	ErrInvalidBandwidth           = errors.New("invalid bandwidth")
	ErrEmptyConfiguration         = errors.New("configuration must contain at least one bandwidth")
	ErrDuplicateBandwidthID       = errors.New("duplicate bandwidth id")
	ErrAlignmentRequiresWallClock = errors.New("aligned refill requires a wall clock")
	ErrInvalidTokenCount          = errors.New("invalid token count")
	ErrInvalidWaitDuration        = errors.New("invalid wait duration")
	ErrReservationOverflow        = errors.New("reservation overflow: requested tokens can never be satisfied by waiting")
	ErrIncompatibleConfiguration  = errors.New("incompatible configuration")
	ErrUnknownCommand             = errors.New("unknown command")
	ErrContextCancelled           = errors.New("context cancelled")
	ErrStoreUnavailable           = errors.New("store unavailable")
	ErrRateLimitExceeded          = errors.New("rate limit exceeded")
)

// IncompatibleConfigurationError is returned when a configuration cannot
// replace the current one without an explicit RESET.
type IncompatibleConfigurationError struct {
	Previous  *Configuration `json:"previous" bson:"previous"`
	Requested *Configuration `json:"requested" bson:"requested"`
}

func (e *IncompatibleConfigurationError) Error() string {
	return fmt.Sprintf("%s: previous has %d bandwidths, requested has %d",
		ErrIncompatibleConfiguration, len(e.Previous.Bandwidths), len(e.Requested.Bandwidths))
}

func (e *IncompatibleConfigurationError) Unwrap() error {
	return ErrIncompatibleConfiguration
}

func validateTokens(tokens int64) error {
	if tokens <= 0 {
		return fmt.Errorf("%w: %d, must be positive", ErrInvalidTokenCount, tokens)
	}
	return nil
}

func validateWait(nanos int64) error {
	if nanos <= 0 {
		return fmt.Errorf("%w: %d ns, must be positive", ErrInvalidWaitDuration, nanos)
	}
	return nil
}
