package codec

import (
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter"
)

// Codec turns bucket values into bytes and back. Every payload is wrapped
// in an envelope carrying FormatVersion.
type Codec interface {
	Name() string

	EncodeEntry(e *ratelimiter.Entry) ([]byte, error)
	DecodeEntry(data []byte) (*ratelimiter.Entry, error)

	EncodeState(s ratelimiter.State) ([]byte, error)
	DecodeState(data []byte) (ratelimiter.State, error)

	EncodeConfiguration(cfg *ratelimiter.Configuration) ([]byte, error)
	DecodeConfiguration(data []byte) (*ratelimiter.Configuration, error)

	EncodeCommand(cmd ratelimiter.Command) ([]byte, error)
	DecodeCommand(data []byte) (ratelimiter.Command, error)

	EncodeResult(res ratelimiter.CommandResult) ([]byte, error)
	DecodeResult(data []byte) (ratelimiter.CommandResult, error)
}

var (
	// JSON is the default codec.
	JSON Codec = &envelopeCodec{name: "json", marshal: json.Marshal, unmarshal: json.Unmarshal}
	// BSON suits document stores that keep the blob as binary.
	BSON Codec = &envelopeCodec{name: "bson", marshal: bson.Marshal, unmarshal: bson.Unmarshal}
)

// ByName returns the codec registered under name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "bson":
		return BSON, nil
	}
	return nil, fmt.Errorf("codec: %w: %q", ErrUnknownCodec, name)
}

type envelopeCodec struct {
	name      string
	marshal   func(any) ([]byte, error)
	unmarshal func([]byte, any) error
}

func (c *envelopeCodec) Name() string { return c.name }

func (c *envelopeCodec) encode(kind string, v any) ([]byte, error) {
	data, err := c.marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %s %s: %w", c.name, kind, err)
	}
	return data, nil
}

func (c *envelopeCodec) decode(kind string, data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("codec: decode %s %s: %w: empty input", c.name, kind, ErrInvalidPayload)
	}
	if err := c.unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: decode %s %s: %w: %w", c.name, kind, ErrInvalidPayload, err)
	}
	return nil
}

func (c *envelopeCodec) EncodeEntry(e *ratelimiter.Entry) ([]byte, error) {
	doc, err := newEntryDoc(e)
	if err != nil {
		return nil, err
	}
	return c.encode("entry", entryEnvelope{FormatVersion: FormatVersion, Entry: doc})
}

func (c *envelopeCodec) DecodeEntry(data []byte) (*ratelimiter.Entry, error) {
	var env entryEnvelope
	if err := c.decode("entry", data, &env); err != nil {
		return nil, err
	}
	if err := checkVersion(env.FormatVersion); err != nil {
		return nil, err
	}
	if env.Entry == nil {
		return nil, fmt.Errorf("%w: missing entry", ErrInvalidPayload)
	}
	return env.Entry.entry()
}

func (c *envelopeCodec) EncodeState(s ratelimiter.State) ([]byte, error) {
	doc, err := newStateDoc(s)
	if err != nil {
		return nil, err
	}
	return c.encode("state", stateEnvelope{FormatVersion: FormatVersion, State: doc})
}

func (c *envelopeCodec) DecodeState(data []byte) (ratelimiter.State, error) {
	var env stateEnvelope
	if err := c.decode("state", data, &env); err != nil {
		return nil, err
	}
	if err := checkVersion(env.FormatVersion); err != nil {
		return nil, err
	}
	if env.State == nil {
		return nil, fmt.Errorf("%w: missing state", ErrInvalidPayload)
	}
	return env.State.state()
}

func (c *envelopeCodec) EncodeConfiguration(cfg *ratelimiter.Configuration) ([]byte, error) {
	return c.encode("configuration", configurationEnvelope{FormatVersion: FormatVersion, Configuration: cfg})
}

func (c *envelopeCodec) DecodeConfiguration(data []byte) (*ratelimiter.Configuration, error) {
	var env configurationEnvelope
	if err := c.decode("configuration", data, &env); err != nil {
		return nil, err
	}
	if err := checkVersion(env.FormatVersion); err != nil {
		return nil, err
	}
	if err := env.Configuration.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return env.Configuration, nil
}

func (c *envelopeCodec) EncodeCommand(cmd ratelimiter.Command) ([]byte, error) {
	return c.encode("command", commandEnvelope{FormatVersion: FormatVersion, Command: &cmd})
}

func (c *envelopeCodec) DecodeCommand(data []byte) (ratelimiter.Command, error) {
	var env commandEnvelope
	if err := c.decode("command", data, &env); err != nil {
		return ratelimiter.Command{}, err
	}
	if err := checkVersion(env.FormatVersion); err != nil {
		return ratelimiter.Command{}, err
	}
	if env.Command == nil {
		return ratelimiter.Command{}, fmt.Errorf("%w: missing command", ErrInvalidPayload)
	}
	return *env.Command, nil
}

func (c *envelopeCodec) EncodeResult(res ratelimiter.CommandResult) ([]byte, error) {
	env := resultEnvelope{FormatVersion: FormatVersion, Result: &res}
	if res.Snapshot != nil {
		doc, err := newEntryDoc(res.Snapshot)
		if err != nil {
			return nil, err
		}
		env.Snapshot = doc
	}
	return c.encode("result", env)
}

func (c *envelopeCodec) DecodeResult(data []byte) (ratelimiter.CommandResult, error) {
	var env resultEnvelope
	if err := c.decode("result", data, &env); err != nil {
		return ratelimiter.CommandResult{}, err
	}
	if err := checkVersion(env.FormatVersion); err != nil {
		return ratelimiter.CommandResult{}, err
	}
	if env.Result == nil {
		return ratelimiter.CommandResult{}, fmt.Errorf("%w: missing result", ErrInvalidPayload)
	}
	res := *env.Result
	if env.Snapshot != nil {
		snapshot, err := env.Snapshot.entry()
		if err != nil {
			return ratelimiter.CommandResult{}, err
		}
		res.Snapshot = snapshot
	}
	return res, nil
}
