// Package codec serializes bucket entries, states, configurations,
// commands and command results.
//
// Two codecs are provided: JSON and BSON. Both wrap the payload in an
// envelope with a format version:
//
//	{"v":1,"entry":{"config":{...},"state":{"precision":0,"integer":[...]}}}
//
// Decoders accept any version up to FormatVersion and reject newer ones
// with ErrUnsupportedVersion. Malformed input, an unknown precision, or a
// slot count that does not match the configuration yields ErrInvalidPayload.
//
// Integer state round-trips exactly, including each slot's rounding error.
// Float state round-trips exactly for finite token values.
package codec
