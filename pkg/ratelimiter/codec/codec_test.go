package codec_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/codec"
)

var codecs = []codec.Codec{codec.JSON, codec.BSON}

const start = int64(1_700_000_000) * int64(time.Second)

func configuration(t *testing.T) *ratelimiter.Configuration {
	t.Helper()
	perMinute, err := ratelimiter.NewBandwidth(100, 7, time.Minute, ratelimiter.WithID("minute"))
	require.NoError(t, err)
	perHour, err := ratelimiter.NewBandwidth(1000, 1000, time.Hour, ratelimiter.Intervally(), ratelimiter.WithInitialTokens(10))
	require.NoError(t, err)
	cfg, err := ratelimiter.NewConfiguration(perMinute, perHour)
	require.NoError(t, err)
	return cfg
}

// usedEntry returns an entry with non-trivial tokens and rounding error.
func usedEntry(t *testing.T, precision ratelimiter.Precision) *ratelimiter.Entry {
	t.Helper()
	e := ratelimiter.NewEntry(configuration(t), precision, start)
	e.Version = 3
	require.True(t, e.TryConsume(9, start+int64(time.Second)))
	e.AvailableTokens(start + int64(13*time.Second+time.Millisecond))
	return e
}

func TestEntryRoundTrip(t *testing.T) {
	t.Parallel()

	for _, c := range codecs {
		for _, precision := range []ratelimiter.Precision{ratelimiter.PrecisionInteger, ratelimiter.PrecisionFloat} {
			t.Run(c.Name()+" "+precision.String(), func(t *testing.T) {
				t.Parallel()
				original := usedEntry(t, precision)

				data, err := c.EncodeEntry(original)
				require.NoError(t, err)
				decoded, err := c.DecodeEntry(data)
				require.NoError(t, err)

				assert.Equal(t, original, decoded)

				// decoded entries behave identically afterwards
				later := start + int64(47*time.Second)
				assert.Equal(t, original.AvailableTokens(later), decoded.AvailableTokens(later))
				assert.Equal(t, original.State, decoded.State)
			})
		}
	}
}

func TestIntegerRoundingErrorSurvives(t *testing.T) {
	t.Parallel()
	e := usedEntry(t, ratelimiter.PrecisionInteger)
	slots := e.State.(*ratelimiter.IntegerState).Slots
	require.NotZero(t, slots[0].RoundingErrorNanos)

	for _, c := range codecs {
		data, err := c.EncodeEntry(e)
		require.NoError(t, err)
		decoded, err := c.DecodeEntry(data)
		require.NoError(t, err)
		assert.Equal(t, slots, decoded.State.(*ratelimiter.IntegerState).Slots, c.Name())
	}
}

func TestStateAndConfigurationRoundTrip(t *testing.T) {
	t.Parallel()

	for _, c := range codecs {
		t.Run(c.Name(), func(t *testing.T) {
			t.Parallel()
			e := usedEntry(t, ratelimiter.PrecisionFloat)

			data, err := c.EncodeState(e.State)
			require.NoError(t, err)
			st, err := c.DecodeState(data)
			require.NoError(t, err)
			assert.Equal(t, e.State, st)

			data, err = c.EncodeConfiguration(e.Config)
			require.NoError(t, err)
			cfg, err := c.DecodeConfiguration(data)
			require.NoError(t, err)
			assert.True(t, e.Config.Equal(cfg))
		})
	}
}

func TestCommandRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := configuration(t)
	commands := []ratelimiter.Command{
		ratelimiter.TryConsumeCommand(5),
		ratelimiter.ReserveAndCalculateSleepCommand(3, time.Second),
		ratelimiter.ReplaceConfigurationCommand(cfg, ratelimiter.MigrationProportional),
		ratelimiter.CreateOrReplaceVersioned(cfg, ratelimiter.PrecisionFloat, 4, ratelimiter.MigrationAdditive,
			ratelimiter.TryConsumeAndReturnRemainingCommand(2)),
	}

	for _, c := range codecs {
		for _, cmd := range commands {
			t.Run(c.Name()+" "+string(cmd.Op), func(t *testing.T) {
				t.Parallel()
				data, err := c.EncodeCommand(cmd)
				require.NoError(t, err)
				decoded, err := c.DecodeCommand(data)
				require.NoError(t, err)
				assert.Equal(t, cmd, decoded)
				assert.NoError(t, decoded.Validate())
			})
		}
	}
}

func TestResultRoundTrip(t *testing.T) {
	t.Parallel()

	for _, c := range codecs {
		t.Run(c.Name(), func(t *testing.T) {
			t.Parallel()

			e := usedEntry(t, ratelimiter.PrecisionInteger)
			snapshot, err := ratelimiter.Execute(ratelimiter.GetSnapshotCommand(), ratelimiter.NewMutableEntry(e), start)
			require.NoError(t, err)

			probe, err := ratelimiter.Execute(ratelimiter.TryConsumeAndReturnRemainingCommand(500), ratelimiter.NewMutableEntry(e), start)
			require.NoError(t, err)

			for _, res := range []ratelimiter.CommandResult{snapshot, probe, {Op: ratelimiter.OpTryConsume, BucketNotFound: true}} {
				data, err := c.EncodeResult(res)
				require.NoError(t, err)
				decoded, err := c.DecodeResult(data)
				require.NoError(t, err)
				assert.Equal(t, res, decoded)
			}
		})
	}
}

func TestDecodeRejectsNewerVersion(t *testing.T) {
	t.Parallel()

	t.Run("json", func(t *testing.T) {
		t.Parallel()
		_, err := codec.JSON.DecodeEntry([]byte(`{"v":2,"entry":{}}`))
		assert.ErrorIs(t, err, codec.ErrUnsupportedVersion)
	})

	t.Run("bson", func(t *testing.T) {
		t.Parallel()
		data, err := bson.Marshal(bson.M{"v": 99})
		require.NoError(t, err)
		_, err = codec.BSON.DecodeCommand(data)
		assert.ErrorIs(t, err, codec.ErrUnsupportedVersion)
	})
}

func TestDecodeRejectsInvalidPayloads(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{"empty input", ``},
		{"not json", `{`},
		{"missing version", `{"entry":{}}`},
		{"missing entry", `{"v":1}`},
		{"empty configuration", `{"v":1,"entry":{"config":{"bandwidths":[]},"state":{"precision":0}}}`},
		{
			"slot count mismatch",
			`{"v":1,"entry":{"config":{"bandwidths":[{"capacity":10,"initial_tokens":10,"refill_period_nanos":1000,"refill_tokens":1}]},"state":{"precision":0,"integer":[]}}}`,
		},
		{
			"unknown precision",
			`{"v":1,"entry":{"config":{"bandwidths":[{"capacity":10,"initial_tokens":10,"refill_period_nanos":1000,"refill_tokens":1}]},"state":{"precision":7}}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := codec.JSON.DecodeEntry([]byte(tt.data))
			assert.ErrorIs(t, err, codec.ErrInvalidPayload)
		})
	}
}

func TestByName(t *testing.T) {
	t.Parallel()

	c, err := codec.ByName("bson")
	require.NoError(t, err)
	assert.Equal(t, "bson", c.Name())

	c, err = codec.ByName("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	_, err = codec.ByName("xml")
	assert.ErrorIs(t, err, codec.ErrUnknownCodec)
}
