package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/querycache/errors"
)

// PolicyKind selects a CleanupPolicy from configuration.
type PolicyKind string

const (
	// PolicyAlways consolidates after every mutation.
	PolicyAlways PolicyKind = "always"

	// PolicyNever leaves consolidation to explicit calls.
	PolicyNever PolicyKind = "never"

	// PolicyEveryN consolidates on every n-th mutation.
	PolicyEveryN PolicyKind = "every_n"

	// PolicyInterval consolidates at most once per interval.
	PolicyInterval PolicyKind = "interval"
)

// PolicyConfig configures when a cache consolidates.
type PolicyConfig struct {
	Kind     PolicyKind    `json:"kind"`
	Every    int           `json:"every,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
}

// Validate checks if the policy configuration is valid.
func (p PolicyConfig) Validate() error {
	switch p.Kind {
	case PolicyAlways, PolicyNever, "":
	case PolicyEveryN:
		if p.Every <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate",
				fmt.Sprintf("every must be positive for every_n policy, got %d", p.Every))
		}
	case PolicyInterval:
		if p.Interval <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate",
				fmt.Sprintf("interval must be positive for interval policy, got %v", p.Interval))
		}
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate",
			fmt.Sprintf("unknown cleanup policy: %s", p.Kind))
	}
	return nil
}

// Build creates the configured CleanupPolicy. An empty kind means always.
func (p PolicyConfig) Build(clock Clock) CleanupPolicy {
	switch p.Kind {
	case PolicyNever:
		return Never()
	case PolicyEveryN:
		return EveryN(p.Every)
	case PolicyInterval:
		return Interval(clock, p.Interval)
	default:
		return Always()
	}
}

// UnmarshalJSON accepts the interval as a duration string or integer nanoseconds.
func (p *PolicyConfig) UnmarshalJSON(data []byte) error {
	type Alias PolicyConfig
	aux := &struct {
		Interval json.RawMessage `json:"interval,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Interval) > 0 {
		d, err := parseDurationField(aux.Interval, "interval")
		if err != nil {
			return err
		}
		p.Interval = d
	}
	return nil
}

// Config contains configuration for the caches of this package. Each cache
// reads the fields relevant to it: CountingCache uses CapacityBytes and
// Cleanup, ConstantTimeCache uses TTL, VersionedCache uses CapacityBytes,
// FlagWindow and Cleanup as its consolidate trigger.
type Config struct {
	// CapacityBytes is the byte budget of resident values.
	CapacityBytes int64 `json:"capacity_bytes"`

	// Cleanup decides when mutations trigger a consolidation.
	Cleanup PolicyConfig `json:"cleanup"`

	// TTL is the time-to-live of ConstantTimeCache entries.
	TTL time.Duration `json:"ttl,omitempty"`

	// FlagWindow is how long a superseded version stays flagged. 0 disables flagging.
	FlagWindow time.Duration `json:"flag_window,omitempty"`
}

// DefaultConfig returns a default cache configuration.
func DefaultConfig() Config {
	return Config{
		CapacityBytes: 256 << 20,
		Cleanup:       PolicyConfig{Kind: PolicyAlways},
		TTL:           5 * time.Minute,
		FlagWindow:    30 * time.Second,
	}
}

// ValidateCounting checks the fields used by a CountingCache or VersionedCache.
func (c Config) ValidateCounting() error {
	if c.CapacityBytes <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate",
			fmt.Sprintf("capacity_bytes must be positive, got %d", c.CapacityBytes))
	}
	if c.FlagWindow < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate",
			fmt.Sprintf("flag_window must not be negative, got %v", c.FlagWindow))
	}
	return c.Cleanup.Validate()
}

// ValidateConstantTime checks the fields used by a ConstantTimeCache.
func (c Config) ValidateConstantTime() error {
	if c.TTL <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate",
			fmt.Sprintf("ttl must be positive, got %v", c.TTL))
	}
	return nil
}

// NewCountingFromConfig creates a CountingCache from configuration.
func NewCountingFromConfig[K1, K2 comparable, V any](
	config Config, sizeFn MemorySizeFunc[V], options ...Option,
) (*CountingCache[K1, K2, V], error) {
	if err := config.ValidateCounting(); err != nil {
		return nil, errors.WrapInvalid(err, "cache", "NewCountingFromConfig", "config validation failed")
	}
	opts := applyOptions(options...)
	return newCountingCache[K1, K2, V](config.CapacityBytes, config.Cleanup.Build(opts.clock), sizeFn, opts,
		"NewCountingFromConfig")
}

// NewConstantTimeFromConfig creates a ConstantTimeCache from configuration.
func NewConstantTimeFromConfig[K1, K2 comparable, V any](
	config Config, options ...Option,
) (*ConstantTimeCache[K1, K2, V], error) {
	if err := config.ValidateConstantTime(); err != nil {
		return nil, errors.WrapInvalid(err, "cache", "NewConstantTimeFromConfig", "config validation failed")
	}
	return NewConstantTime[K1, K2, V](config.TTL, options...)
}

// NewVersionedFromConfig creates a VersionedCache from configuration.
func NewVersionedFromConfig[S, ID comparable, V any](
	config Config, sizeFn MemorySizeFunc[V], options ...Option,
) (*VersionedCache[S, ID, V], error) {
	if err := config.ValidateCounting(); err != nil {
		return nil, errors.WrapInvalid(err, "cache", "NewVersionedFromConfig", "config validation failed")
	}
	clock := applyOptions(options...).clock
	return NewVersioned[S, ID, V](config.CapacityBytes, sizeFn, config.FlagWindow, config.Cleanup.Build(clock),
		options...)
}

// UnmarshalJSON implements custom JSON unmarshaling for Config to support
// duration strings (e.g., "1h", "5m", "30s") in addition to nanosecond integers.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config

	aux := &struct {
		TTL        json.RawMessage `json:"ttl,omitempty"`
		FlagWindow json.RawMessage `json:"flag_window,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if len(aux.TTL) > 0 {
		ttl, err := parseDurationField(aux.TTL, "ttl")
		if err != nil {
			return err
		}
		c.TTL = ttl
	}

	if len(aux.FlagWindow) > 0 {
		window, err := parseDurationField(aux.FlagWindow, "flag_window")
		if err != nil {
			return err
		}
		c.FlagWindow = window
	}

	return nil
}

// parseDurationField parses a JSON duration field that can be either:
// - A string (duration like "1h", "5m", "30s")
// - An integer (nanoseconds)
func parseDurationField(data json.RawMessage, fieldName string) (time.Duration, error) {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		duration, err := time.ParseDuration(str)
		if err != nil {
			return 0, fmt.Errorf("invalid duration string for %s: %w", fieldName, err)
		}
		return duration, nil
	}

	var nsec int64
	if err := json.Unmarshal(data, &nsec); err != nil {
		return 0, fmt.Errorf("field %s must be either a duration string (e.g., '1h') or integer nanoseconds", fieldName)
	}
	return time.Duration(nsec), nil
}
