package policy

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/remote"
)

// Refill modes accepted by Limit.Mode.
const (
	ModeGreedy   = "greedy"
	ModeInterval = "interval"
)

// Limit describes one bandwidth in a policy file.
type Limit struct {
	ID       string        `yaml:"id,omitempty"`
	Capacity int64         `yaml:"capacity"`
	Period   time.Duration `yaml:"period"`

	// Refill defaults to Capacity.
	Refill int64 `yaml:"refill,omitempty"`

	// Mode is greedy (default) or interval. AlignedAt implies interval.
	Mode          string     `yaml:"mode,omitempty"`
	InitialTokens *int64     `yaml:"initial_tokens,omitempty"`
	AlignedAt     *time.Time `yaml:"aligned_at,omitempty"`
	Adaptive      bool       `yaml:"adaptive,omitempty"`
}

// Bandwidth builds the validated bandwidth described by l.
func (l Limit) Bandwidth() (ratelimiter.Bandwidth, error) {
	refill := l.Refill
	if refill == 0 {
		refill = l.Capacity
	}

	var opts []ratelimiter.BandwidthOption
	if l.ID != "" {
		opts = append(opts, ratelimiter.WithID(l.ID))
	}
	if l.InitialTokens != nil {
		opts = append(opts, ratelimiter.WithInitialTokens(*l.InitialTokens))
	}
	switch {
	case l.AlignedAt != nil:
		opts = append(opts, ratelimiter.AlignedAt(*l.AlignedAt, l.Adaptive))
	case l.Adaptive:
		return ratelimiter.Bandwidth{}, fmt.Errorf("%w: adaptive requires aligned_at", ErrInvalidPolicy)
	case l.Mode == ModeInterval:
		opts = append(opts, ratelimiter.Intervally())
	case l.Mode != "" && l.Mode != ModeGreedy:
		return ratelimiter.Bandwidth{}, fmt.Errorf("%w: unknown refill mode %q", ErrInvalidPolicy, l.Mode)
	}

	return ratelimiter.NewBandwidth(l.Capacity, refill, l.Period, opts...)
}

// Policy is a named bucket configuration. Version feeds implicit
// configuration replacement: bump it to roll a changed policy out to
// buckets that already exist.
type Policy struct {
	Version int64   `yaml:"version,omitempty"`
	Limits  []Limit `yaml:"limits"`

	// Migration names the token migration used when Version changes:
	// reset, as_is, proportional (default) or additive.
	Migration string `yaml:"migration,omitempty"`
}

// MigrationStrategy parses p.Migration.
func (p Policy) MigrationStrategy() (ratelimiter.MigrationStrategy, error) {
	if p.Migration == "" {
		return ratelimiter.MigrationProportional, nil
	}
	strategy, err := ratelimiter.ParseMigrationStrategy(p.Migration)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	return strategy, nil
}

// Configuration builds the bucket configuration of p.
func (p Policy) Configuration() (*ratelimiter.Configuration, error) {
	if len(p.Limits) == 0 {
		return nil, fmt.Errorf("%w: no limits", ErrInvalidPolicy)
	}
	bws := make([]ratelimiter.Bandwidth, 0, len(p.Limits))
	for i, l := range p.Limits {
		bw, err := l.Bandwidth()
		if err != nil {
			return nil, fmt.Errorf("limit %d: %w", i, err)
		}
		bws = append(bws, bw)
	}
	return ratelimiter.NewConfiguration(bws...)
}

// Set is a parsed policy file:
//
//	default: api
//	policies:
//	  api:
//	    version: 2
//	    limits:
//	      - {id: second, capacity: 10, period: 1s}
//	      - {id: hour, capacity: 1000, period: 1h, mode: interval}
type Set struct {
	Default  string            `yaml:"default,omitempty"`
	Policies map[string]Policy `yaml:"policies"`

	configs map[string]*ratelimiter.Configuration
}

// Parse decodes and validates a policy file.
func Parse(data []byte) (*Set, error) {
	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %w", ErrInvalidPolicy, err)
	}
	if len(s.Policies) == 0 {
		return nil, fmt.Errorf("%w: no policies defined", ErrInvalidPolicy)
	}
	if _, ok := s.Policies[s.Default]; s.Default != "" && !ok {
		return nil, fmt.Errorf("%w: default policy %q is not defined", ErrInvalidPolicy, s.Default)
	}

	s.configs = make(map[string]*ratelimiter.Configuration, len(s.Policies))
	for name, p := range s.Policies {
		cfg, err := p.Configuration()
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", name, err)
		}
		if _, err := p.MigrationStrategy(); err != nil {
			return nil, fmt.Errorf("policy %q: %w", name, err)
		}
		s.configs[name] = cfg
	}
	return &s, nil
}

// Load reads and parses the policy file at path.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

// Names returns the policy names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.Policies))
	for name := range s.Policies {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// resolve falls back to the default policy for unknown names.
func (s *Set) resolve(name string) (string, error) {
	if _, ok := s.configs[name]; ok {
		return name, nil
	}
	if s.Default != "" {
		return s.Default, nil
	}
	return "", fmt.Errorf("%w: %q", ErrPolicyNotFound, name)
}

// Configuration returns the configuration of the named policy, or of the
// default policy when name is unknown.
func (s *Set) Configuration(name string) (*ratelimiter.Configuration, error) {
	resolved, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	return s.configs[resolved], nil
}

// Version returns the version of the named (or default) policy.
func (s *Set) Version(name string) (int64, error) {
	resolved, err := s.resolve(name)
	if err != nil {
		return 0, err
	}
	return s.Policies[resolved].Version, nil
}

// Policy returns the named (or default) policy and its resolved name.
func (s *Set) Policy(name string) (string, Policy, error) {
	resolved, err := s.resolve(name)
	if err != nil {
		return "", Policy{}, err
	}
	return resolved, s.Policies[resolved], nil
}

// Supplier returns a configuration supplier for distributed proxies.
func (s *Set) Supplier(name string) remote.ConfigurationSupplier {
	return func(context.Context) (*ratelimiter.Configuration, error) {
		return s.Configuration(name)
	}
}
