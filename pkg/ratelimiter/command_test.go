package ratelimiter_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter"
)

func TestExecute(t *testing.T) {
	t.Parallel()

	now := epoch.UnixNano()
	newCfg := func(t *testing.T) *ratelimiter.Configuration {
		return configuration(t, bandwidth(t, 10, 10, 10*time.Second))
	}

	t.Run("missing entry reports bucket not found", func(t *testing.T) {
		m := ratelimiter.NewMutableEntry(nil)

		res, err := ratelimiter.Execute(ratelimiter.TryConsumeCommand(1), m, now)
		require.NoError(t, err)
		assert.True(t, res.BucketNotFound)
		assert.False(t, m.Modified())
	})

	t.Run("create initial state then run target", func(t *testing.T) {
		m := ratelimiter.NewMutableEntry(nil)
		cmd := ratelimiter.CreateInitialStateAndExecute(newCfg(t), ratelimiter.PrecisionInteger, ratelimiter.TryConsumeCommand(4))

		res, err := ratelimiter.Execute(cmd, m, now)
		require.NoError(t, err)
		assert.True(t, res.Consumed)
		assert.True(t, m.Modified())
		assert.Equal(t, int64(6), m.Get().AvailableTokens(now))
	})

	t.Run("create does not overwrite an existing entry", func(t *testing.T) {
		e := ratelimiter.NewEntry(newCfg(t), ratelimiter.PrecisionInteger, now)
		e.TryConsume(9, now)
		m := ratelimiter.NewMutableEntry(e)

		cmd := ratelimiter.CreateInitialStateAndExecute(newCfg(t), ratelimiter.PrecisionInteger, ratelimiter.AvailableTokensCommand())
		res, err := ratelimiter.Execute(cmd, m, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Tokens)
		assert.False(t, m.Modified(), "read-only target on an existing entry")
	})

	t.Run("rejected consumption leaves the entry unmodified", func(t *testing.T) {
		e := ratelimiter.NewEntry(newCfg(t), ratelimiter.PrecisionInteger, now)
		m := ratelimiter.NewMutableEntry(e)

		res, err := ratelimiter.Execute(ratelimiter.TryConsumeAndReturnRemainingCommand(11), m, now)
		require.NoError(t, err)
		require.NotNil(t, res.Probe)
		assert.False(t, res.Probe.Consumed)
		assert.False(t, m.Modified())

		res, err = ratelimiter.Execute(ratelimiter.ReserveAndCalculateSleepCommand(12, time.Second), m, now)
		require.NoError(t, err)
		assert.False(t, res.Consumed)
		assert.False(t, m.Modified())
	})

	t.Run("mutating commands mark the entry", func(t *testing.T) {
		for _, cmd := range []ratelimiter.Command{
			ratelimiter.TryConsumeCommand(1),
			ratelimiter.TryConsumeAsMuchAsPossibleCommand(3),
			ratelimiter.ConsumeIgnoringRateLimitsCommand(20),
			ratelimiter.AddTokensCommand(1),
			ratelimiter.ForceAddTokensCommand(1),
			ratelimiter.ResetCommand(),
			ratelimiter.ReplaceConfigurationCommand(newCfg(t), ratelimiter.MigrationAsIs),
		} {
			m := ratelimiter.NewMutableEntry(ratelimiter.NewEntry(newCfg(t), ratelimiter.PrecisionInteger, now))
			_, err := ratelimiter.Execute(cmd, m, now)
			require.NoError(t, err, cmd.Op)
			assert.True(t, m.Modified(), cmd.Op)
			assert.True(t, cmd.Mutating(), cmd.Op)
		}
	})

	t.Run("read commands never mark the entry", func(t *testing.T) {
		for _, cmd := range []ratelimiter.Command{
			ratelimiter.AvailableTokensCommand(),
			ratelimiter.EstimateAbilityToConsumeCommand(3),
			ratelimiter.GetSnapshotCommand(),
		} {
			m := ratelimiter.NewMutableEntry(ratelimiter.NewEntry(newCfg(t), ratelimiter.PrecisionInteger, now))
			_, err := ratelimiter.Execute(cmd, m, now)
			require.NoError(t, err, cmd.Op)
			assert.False(t, m.Modified(), cmd.Op)
			assert.False(t, cmd.Mutating(), cmd.Op)
		}
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		e := ratelimiter.NewEntry(newCfg(t), ratelimiter.PrecisionInteger, now)
		m := ratelimiter.NewMutableEntry(e)

		res, err := ratelimiter.Execute(ratelimiter.GetSnapshotCommand(), m, now)
		require.NoError(t, err)
		require.NotNil(t, res.Snapshot)

		e.TryConsume(5, now)
		assert.Equal(t, int64(10), res.Snapshot.AvailableTokens(now))
	})

	t.Run("incompatible replacement is reported in the result", func(t *testing.T) {
		m := ratelimiter.NewMutableEntry(ratelimiter.NewEntry(newCfg(t), ratelimiter.PrecisionInteger, now))
		next := configuration(t,
			bandwidth(t, 10, 10, time.Second),
			bandwidth(t, 100, 100, time.Minute),
		)

		res, err := ratelimiter.Execute(ratelimiter.ReplaceConfigurationCommand(next, ratelimiter.MigrationProportional), m, now)
		require.NoError(t, err)
		assert.ErrorIs(t, res.Err(), ratelimiter.ErrIncompatibleConfiguration)
		require.NotNil(t, res.Incompatible)
		assert.Same(t, next, res.Incompatible.Requested)
		assert.False(t, m.Modified())
	})

	t.Run("versioned replacement applies only to older entries", func(t *testing.T) {
		e := ratelimiter.NewEntry(newCfg(t), ratelimiter.PrecisionInteger, now)
		e.Version = 2
		m := ratelimiter.NewMutableEntry(e)

		// a different bandwidth count is accepted: implicit replacement is never rejected
		next := configuration(t,
			bandwidth(t, 5, 5, time.Second),
			bandwidth(t, 100, 100, time.Minute),
		)

		same := ratelimiter.CreateOrReplaceVersioned(next, ratelimiter.PrecisionInteger, 2, ratelimiter.MigrationAsIs, ratelimiter.AvailableTokensCommand())
		res, err := ratelimiter.Execute(same, m, now)
		require.NoError(t, err)
		assert.Equal(t, int64(10), res.Tokens)
		assert.False(t, m.Modified())

		newer := ratelimiter.CreateOrReplaceVersioned(next, ratelimiter.PrecisionInteger, 3, ratelimiter.MigrationAsIs, ratelimiter.AvailableTokensCommand())
		res, err = ratelimiter.Execute(newer, m, now)
		require.NoError(t, err)
		assert.Equal(t, int64(5), res.Tokens)
		assert.True(t, m.Modified())
		assert.Equal(t, int64(3), m.Get().Version)
		assert.Same(t, next, m.Get().Config)
	})

	t.Run("versioned create stamps the version", func(t *testing.T) {
		m := ratelimiter.NewMutableEntry(nil)
		cmd := ratelimiter.CreateOrReplaceVersioned(newCfg(t), ratelimiter.PrecisionFloat, 7, ratelimiter.MigrationReset, ratelimiter.TryConsumeCommand(1))

		res, err := ratelimiter.Execute(cmd, m, now)
		require.NoError(t, err)
		assert.True(t, res.Consumed)
		assert.Equal(t, int64(7), m.Get().Version)
		assert.Equal(t, ratelimiter.PrecisionFloat, m.Get().State.Precision())
	})

	t.Run("version check asks for replacement of older entries", func(t *testing.T) {
		e := ratelimiter.NewEntry(newCfg(t), ratelimiter.PrecisionInteger, now)
		e.Version = 2
		m := ratelimiter.NewMutableEntry(e)

		res, err := ratelimiter.Execute(ratelimiter.CheckVersionAndExecute(3, ratelimiter.TryConsumeCommand(1)), m, now)
		require.NoError(t, err)
		assert.True(t, res.NeedsReplacement)
		assert.False(t, res.Consumed)
		assert.False(t, m.Modified())

		res, err = ratelimiter.Execute(ratelimiter.CheckVersionAndExecute(2, ratelimiter.TryConsumeCommand(1)), m, now)
		require.NoError(t, err)
		assert.False(t, res.NeedsReplacement)
		assert.True(t, res.Consumed)

		res, err = ratelimiter.Execute(ratelimiter.CheckVersionAndExecute(1, ratelimiter.TryConsumeCommand(1)),
			ratelimiter.NewMutableEntry(nil), now)
		require.NoError(t, err)
		assert.True(t, res.BucketNotFound)
	})

	t.Run("invalid commands fail before touching state", func(t *testing.T) {
		e := ratelimiter.NewEntry(newCfg(t), ratelimiter.PrecisionInteger, now)
		m := ratelimiter.NewMutableEntry(e)

		_, err := ratelimiter.Execute(ratelimiter.TryConsumeCommand(0), m, now)
		assert.ErrorIs(t, err, ratelimiter.ErrInvalidTokenCount)

		_, err = ratelimiter.Execute(ratelimiter.ReserveAndCalculateSleepCommand(1, 0), m, now)
		assert.ErrorIs(t, err, ratelimiter.ErrInvalidWaitDuration)

		_, err = ratelimiter.Execute(ratelimiter.Command{Op: "teleport"}, m, now)
		assert.ErrorIs(t, err, ratelimiter.ErrUnknownCommand)

		nested := ratelimiter.CreateInitialStateAndExecute(newCfg(t), ratelimiter.PrecisionInteger,
			ratelimiter.CreateInitialStateAndExecute(newCfg(t), ratelimiter.PrecisionInteger, ratelimiter.ResetCommand()))
		_, err = ratelimiter.Execute(nested, m, now)
		assert.ErrorIs(t, err, ratelimiter.ErrUnknownCommand)

		_, err = ratelimiter.Execute(ratelimiter.CheckVersionAndExecute(1,
			ratelimiter.CheckVersionAndExecute(1, ratelimiter.ResetCommand())), m, now)
		assert.ErrorIs(t, err, ratelimiter.ErrUnknownCommand)

		_, err = ratelimiter.Execute(ratelimiter.ReplaceConfigurationCommand(nil, ratelimiter.MigrationReset), m, now)
		assert.ErrorIs(t, err, ratelimiter.ErrEmptyConfiguration)

		assert.False(t, m.Modified())
		assert.Equal(t, int64(10), e.AvailableTokens(now))
	})
}
