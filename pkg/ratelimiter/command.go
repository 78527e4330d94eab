package ratelimiter

import (
	"errors"
	"fmt"
	"time"
)

// Op names a bucket operation carried by a Command.
type Op string

const (
	OpAvailableTokens              Op = "available_tokens"
	OpTryConsume                   Op = "try_consume"
	OpTryConsumeAsMuchAsPossible   Op = "try_consume_as_much_as_possible"
	OpTryConsumeAndReturnRemaining Op = "try_consume_and_return_remaining"
	OpEstimateAbilityToConsume     Op = "estimate_ability_to_consume"
	OpReserveAndCalculateSleep     Op = "reserve_and_calculate_sleep"
	OpConsumeIgnoringRateLimits    Op = "consume_ignoring_rate_limits"
	OpAddTokens                    Op = "add_tokens"
	OpForceAddTokens               Op = "force_add_tokens"
	OpReset                        Op = "reset"
	OpReplaceConfiguration         Op = "replace_configuration"
	OpGetSnapshot                  Op = "get_snapshot"

	// OpCreateInitialStateAndExecute creates the entry from Configuration
	// when it does not exist, then runs Target.
	OpCreateInitialStateAndExecute Op = "create_initial_state_and_execute"

	// OpCreateOrReplaceVersioned creates the entry at Version when absent,
	// replaces its configuration when the stored version is older, then
	// runs Target.
	OpCreateOrReplaceVersioned Op = "create_or_replace_versioned_and_execute"

	// OpCheckVersionAndExecute runs Target only when the stored version is
	// at least Version. Otherwise the result asks for a replacement.
	OpCheckVersionAndExecute Op = "check_version_and_execute"
)

// Command is a serializable description of one bucket operation. It is
// what distributed backends ship to wherever the state lives.
type Command struct {
	Op            Op                `json:"op" bson:"op"`
	Tokens        int64             `json:"tokens,omitempty" bson:"tokens,omitempty"`
	MaxWaitNanos  int64             `json:"max_wait_nanos,omitempty" bson:"max_wait_nanos,omitempty"`
	Configuration *Configuration    `json:"configuration,omitempty" bson:"configuration,omitempty"`
	Strategy      MigrationStrategy `json:"strategy,omitempty" bson:"strategy,omitempty"`
	Precision     Precision         `json:"precision,omitempty" bson:"precision,omitempty"`
	Version       int64             `json:"version,omitempty" bson:"version,omitempty"`
	Target        *Command          `json:"target,omitempty" bson:"target,omitempty"`
}

// AvailableTokensCommand builds a command returning the available tokens.
func AvailableTokensCommand() Command { return Command{Op: OpAvailableTokens} }

// TryConsumeCommand builds a command consuming tokens when all are available.
func TryConsumeCommand(tokens int64) Command {
	return Command{Op: OpTryConsume, Tokens: tokens}
}

// TryConsumeAsMuchAsPossibleCommand builds a command consuming up to limit tokens.
func TryConsumeAsMuchAsPossibleCommand(limit int64) Command {
	return Command{Op: OpTryConsumeAsMuchAsPossible, Tokens: limit}
}

// TryConsumeAndReturnRemainingCommand builds a command returning a ConsumptionProbe.
func TryConsumeAndReturnRemainingCommand(tokens int64) Command {
	return Command{Op: OpTryConsumeAndReturnRemaining, Tokens: tokens}
}

// EstimateAbilityToConsumeCommand builds a read-only command returning an EstimationProbe.
func EstimateAbilityToConsumeCommand(tokens int64) Command {
	return Command{Op: OpEstimateAbilityToConsume, Tokens: tokens}
}

// ReserveAndCalculateSleepCommand builds a command reserving tokens available within maxWait.
func ReserveAndCalculateSleepCommand(tokens int64, maxWait time.Duration) Command {
	return Command{Op: OpReserveAndCalculateSleep, Tokens: tokens, MaxWaitNanos: int64(maxWait)}
}

// ConsumeIgnoringRateLimitsCommand builds a command consuming tokens even into debt.
func ConsumeIgnoringRateLimitsCommand(tokens int64) Command {
	return Command{Op: OpConsumeIgnoringRateLimits, Tokens: tokens}
}

// AddTokensCommand builds a command adding tokens up to capacity.
func AddTokensCommand(tokens int64) Command {
	return Command{Op: OpAddTokens, Tokens: tokens}
}

// ForceAddTokensCommand builds a command adding tokens beyond capacity.
func ForceAddTokensCommand(tokens int64) Command {
	return Command{Op: OpForceAddTokens, Tokens: tokens}
}

// ResetCommand builds a command refilling every bandwidth to capacity.
func ResetCommand() Command { return Command{Op: OpReset} }

// GetSnapshotCommand builds a read-only command returning a copy of the entry.
func GetSnapshotCommand() Command { return Command{Op: OpGetSnapshot} }

// ReplaceConfigurationCommand builds a command migrating the entry to cfg.
func ReplaceConfigurationCommand(cfg *Configuration, strategy MigrationStrategy) Command {
	return Command{Op: OpReplaceConfiguration, Configuration: cfg, Strategy: strategy}
}

// CreateInitialStateAndExecute wraps target so that a missing entry is
// created from cfg first.
func CreateInitialStateAndExecute(cfg *Configuration, precision Precision, target Command) Command {
	return Command{Op: OpCreateInitialStateAndExecute, Configuration: cfg, Precision: precision, Target: &target}
}

// CreateOrReplaceVersioned wraps target so that a missing entry is created
// at version and an entry stored with an older version is migrated to cfg.
func CreateOrReplaceVersioned(cfg *Configuration, precision Precision, version int64, strategy MigrationStrategy, target Command) Command {
	return Command{
		Op:            OpCreateOrReplaceVersioned,
		Configuration: cfg,
		Precision:     precision,
		Version:       version,
		Strategy:      strategy,
		Target:        &target,
	}
}

// CheckVersionAndExecute wraps target so that it runs only against an
// entry stored with version or newer.
func CheckVersionAndExecute(version int64, target Command) Command {
	return Command{Op: OpCheckVersionAndExecute, Version: version, Target: &target}
}

func (c Command) wrapper() bool {
	switch c.Op {
	case OpCreateInitialStateAndExecute, OpCreateOrReplaceVersioned, OpCheckVersionAndExecute:
		return true
	}
	return false
}

// Validate checks the arguments of the command and of its target.
func (c Command) Validate() error {
	switch c.Op {
	case OpAvailableTokens, OpReset, OpGetSnapshot:
		return nil
	case OpTryConsume, OpTryConsumeAsMuchAsPossible, OpTryConsumeAndReturnRemaining,
		OpEstimateAbilityToConsume, OpConsumeIgnoringRateLimits, OpAddTokens, OpForceAddTokens:
		return validateTokens(c.Tokens)
	case OpReserveAndCalculateSleep:
		if err := validateTokens(c.Tokens); err != nil {
			return err
		}
		return validateWait(c.MaxWaitNanos)
	case OpReplaceConfiguration:
		return c.Configuration.Validate()
	case OpCreateInitialStateAndExecute, OpCreateOrReplaceVersioned, OpCheckVersionAndExecute:
		if c.Op != OpCheckVersionAndExecute {
			if err := c.Configuration.Validate(); err != nil {
				return err
			}
		}
		if c.Target == nil {
			return fmt.Errorf("%w: %s without target", ErrUnknownCommand, c.Op)
		}
		if c.Target.wrapper() {
			return fmt.Errorf("%w: nested %s", ErrUnknownCommand, c.Target.Op)
		}
		return c.Target.Validate()
	}
	return fmt.Errorf("%w: %q", ErrUnknownCommand, c.Op)
}

// Mutating reports whether the command can change stored state.
func (c Command) Mutating() bool {
	switch c.Op {
	case OpAvailableTokens, OpEstimateAbilityToConsume, OpGetSnapshot:
		return false
	}
	return true
}

// CommandResult is the serializable outcome of a Command.
type CommandResult struct {
	Op             Op   `json:"op" bson:"op"`
	BucketNotFound bool `json:"bucket_not_found,omitempty" bson:"bucket_not_found,omitempty"`

	// NeedsReplacement is set by OpCheckVersionAndExecute when the stored
	// version is older than requested. The target did not run.
	NeedsReplacement bool `json:"needs_replacement,omitempty" bson:"needs_replacement,omitempty"`

	Consumed     bool                            `json:"consumed,omitempty" bson:"consumed,omitempty"`
	Tokens       int64                           `json:"tokens,omitempty" bson:"tokens,omitempty"`
	Nanos        int64                           `json:"nanos,omitempty" bson:"nanos,omitempty"`
	Probe        *ConsumptionProbe               `json:"probe,omitempty" bson:"probe,omitempty"`
	Estimation   *EstimationProbe                `json:"estimation,omitempty" bson:"estimation,omitempty"`
	Incompatible *IncompatibleConfigurationError `json:"incompatible,omitempty" bson:"incompatible,omitempty"`

	// Snapshot is set by OpGetSnapshot. Codecs encode it separately
	// because State is an interface.
	Snapshot *Entry `json:"-" bson:"-"`
}

// Err returns the domain error carried by the result, if any.
func (r CommandResult) Err() error {
	if r.Incompatible != nil {
		return r.Incompatible
	}
	return nil
}

// MutableEntry is the view of a possibly missing entry that a command
// runs against. It records whether the entry must be written back.
type MutableEntry struct {
	entry    *Entry
	modified bool
}

// NewMutableEntry wraps e, which may be nil for a missing entry.
func NewMutableEntry(e *Entry) *MutableEntry {
	return &MutableEntry{entry: e}
}

func (m *MutableEntry) Exists() bool   { return m.entry != nil }
func (m *MutableEntry) Get() *Entry    { return m.entry }
func (m *MutableEntry) Modified() bool { return m.modified }

func (m *MutableEntry) Set(e *Entry) {
	m.entry = e
	m.modified = true
}

// Execute runs cmd against m at now. It is the single place where commands
// meet the bucket operations.
func Execute(cmd Command, m *MutableEntry, now int64) (CommandResult, error) {
	if err := cmd.Validate(); err != nil {
		return CommandResult{}, err
	}

	switch cmd.Op {
	case OpCreateInitialStateAndExecute:
		if !m.Exists() {
			m.Set(NewEntry(cmd.Configuration, cmd.Precision, now))
		}
		return execute(*cmd.Target, m, now), nil

	case OpCreateOrReplaceVersioned:
		if !m.Exists() {
			e := NewEntry(cmd.Configuration, cmd.Precision, now)
			e.Version = cmd.Version
			m.Set(e)
		} else if e := m.Get(); e.Version < cmd.Version {
			e.migrate(cmd.Configuration, cmd.Strategy, now)
			e.Version = cmd.Version
			m.modified = true
		}
		return execute(*cmd.Target, m, now), nil

	case OpCheckVersionAndExecute:
		if m.Exists() && m.Get().Version < cmd.Version {
			return CommandResult{Op: cmd.Target.Op, NeedsReplacement: true}, nil
		}
		return execute(*cmd.Target, m, now), nil
	}

	return execute(cmd, m, now), nil
}

func execute(cmd Command, m *MutableEntry, now int64) CommandResult {
	res := CommandResult{Op: cmd.Op}
	if !m.Exists() {
		res.BucketNotFound = true
		return res
	}
	e := m.Get()

	switch cmd.Op {
	case OpAvailableTokens:
		res.Tokens = e.AvailableTokens(now)
	case OpTryConsume:
		res.Consumed = e.TryConsume(cmd.Tokens, now)
		m.modified = m.modified || res.Consumed
	case OpTryConsumeAsMuchAsPossible:
		res.Tokens = e.TryConsumeAsMuchAsPossible(cmd.Tokens, now)
		res.Consumed = res.Tokens > 0
		m.modified = m.modified || res.Consumed
	case OpTryConsumeAndReturnRemaining:
		probe := e.TryConsumeAndReturnRemaining(cmd.Tokens, now)
		res.Probe = &probe
		res.Consumed = probe.Consumed
		m.modified = m.modified || probe.Consumed
	case OpEstimateAbilityToConsume:
		probe := e.EstimateAbilityToConsume(cmd.Tokens, now)
		res.Estimation = &probe
	case OpReserveAndCalculateSleep:
		res.Nanos = e.ReserveAndCalculateSleep(cmd.Tokens, cmd.MaxWaitNanos, now)
		res.Consumed = res.Nanos != infiniteNanos
		m.modified = m.modified || res.Consumed
	case OpConsumeIgnoringRateLimits:
		res.Nanos = e.ConsumeIgnoringRateLimits(cmd.Tokens, now)
		res.Consumed = res.Nanos != infiniteNanos
		m.modified = m.modified || res.Consumed
	case OpAddTokens:
		e.AddTokens(cmd.Tokens, now)
		m.modified = true
	case OpForceAddTokens:
		e.ForceAddTokens(cmd.Tokens, now)
		m.modified = true
	case OpReset:
		e.Reset(now)
		m.modified = true
	case OpReplaceConfiguration:
		if err := e.ReplaceConfiguration(cmd.Configuration, cmd.Strategy, now); err != nil {
			errors.As(err, &res.Incompatible)
			return res
		}
		m.modified = true
	case OpGetSnapshot:
		e.refill(now)
		res.Snapshot = e.Clone()
	}
	return res
}
