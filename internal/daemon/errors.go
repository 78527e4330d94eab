package daemon

import "errors"

var (
	ErrUnknownBackend = errors.New("unknown backend")
	ErrInvalidTokens  = errors.New("tokens must be a positive integer")
)
