package codec

import "errors"

var (
	// ErrUnsupportedVersion is returned when a payload was written by a
	// newer format version than this build understands.
	ErrUnsupportedVersion = errors.New("unsupported format version")
	ErrInvalidPayload     = errors.New("invalid payload")
	ErrUnknownCodec       = errors.New("unknown codec")
)
