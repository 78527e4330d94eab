package policy

import "errors"

var (
	ErrInvalidPolicy  = errors.New("invalid rate limit policy")
	ErrPolicyNotFound = errors.New("rate limit policy not found")
)
