package codec

import (
	"fmt"

	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter"
)

// FormatVersion is written into every envelope. Decoders accept payloads
// up to and including this version.
const FormatVersion = 1

type stateDoc struct {
	Precision ratelimiter.Precision     `json:"precision" bson:"precision"`
	Integer   []ratelimiter.IntegerSlot `json:"integer,omitempty" bson:"integer,omitempty"`
	Float     []ratelimiter.FloatSlot   `json:"float,omitempty" bson:"float,omitempty"`
}

type entryDoc struct {
	Config  *ratelimiter.Configuration `json:"config" bson:"config"`
	State   stateDoc                   `json:"state" bson:"state"`
	Version int64                      `json:"version,omitempty" bson:"version,omitempty"`
}

type entryEnvelope struct {
	FormatVersion int       `json:"v" bson:"v"`
	Entry         *entryDoc `json:"entry" bson:"entry"`
}

type stateEnvelope struct {
	FormatVersion int       `json:"v" bson:"v"`
	State         *stateDoc `json:"state" bson:"state"`
}

type configurationEnvelope struct {
	FormatVersion int                        `json:"v" bson:"v"`
	Configuration *ratelimiter.Configuration `json:"configuration" bson:"configuration"`
}

type commandEnvelope struct {
	FormatVersion int                  `json:"v" bson:"v"`
	Command       *ratelimiter.Command `json:"command" bson:"command"`
}

type resultEnvelope struct {
	FormatVersion int                        `json:"v" bson:"v"`
	Result        *ratelimiter.CommandResult `json:"result" bson:"result"`
	Snapshot      *entryDoc                  `json:"snapshot,omitempty" bson:"snapshot,omitempty"`
}

func newStateDoc(s ratelimiter.State) (*stateDoc, error) {
	switch st := s.(type) {
	case *ratelimiter.IntegerState:
		return &stateDoc{Precision: ratelimiter.PrecisionInteger, Integer: st.Slots}, nil
	case *ratelimiter.FloatState:
		return &stateDoc{Precision: ratelimiter.PrecisionFloat, Float: st.Slots}, nil
	}
	return nil, fmt.Errorf("%w: unknown state type %T", ErrInvalidPayload, s)
}

func (d *stateDoc) state() (ratelimiter.State, error) {
	switch d.Precision {
	case ratelimiter.PrecisionInteger:
		if len(d.Float) > 0 {
			return nil, fmt.Errorf("%w: float slots in integer state", ErrInvalidPayload)
		}
		return &ratelimiter.IntegerState{Slots: d.Integer}, nil
	case ratelimiter.PrecisionFloat:
		if len(d.Integer) > 0 {
			return nil, fmt.Errorf("%w: integer slots in float state", ErrInvalidPayload)
		}
		return &ratelimiter.FloatState{Slots: d.Float}, nil
	}
	return nil, fmt.Errorf("%w: unknown precision %d", ErrInvalidPayload, d.Precision)
}

func newEntryDoc(e *ratelimiter.Entry) (*entryDoc, error) {
	if e == nil || e.Config == nil || e.State == nil {
		return nil, fmt.Errorf("%w: incomplete entry", ErrInvalidPayload)
	}
	st, err := newStateDoc(e.State)
	if err != nil {
		return nil, err
	}
	return &entryDoc{Config: e.Config, State: *st, Version: e.Version}, nil
}

func (d *entryDoc) entry() (*ratelimiter.Entry, error) {
	if err := d.Config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	st, err := d.State.state()
	if err != nil {
		return nil, err
	}
	if st.Len() != len(d.Config.Bandwidths) {
		return nil, fmt.Errorf("%w: %d state slots for %d bandwidths",
			ErrInvalidPayload, st.Len(), len(d.Config.Bandwidths))
	}
	return &ratelimiter.Entry{Config: d.Config, State: st, Version: d.Version}, nil
}

func checkVersion(v int) error {
	if v > FormatVersion {
		return fmt.Errorf("%w: %d, newest known is %d", ErrUnsupportedVersion, v, FormatVersion)
	}
	if v < 1 {
		return fmt.Errorf("%w: missing format version", ErrInvalidPayload)
	}
	return nil
}
