package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/c360/querycache/errors"
	"github.com/c360/querycache/pkg/cache"
	"github.com/c360/querycache/pkg/tlsutil"
	"github.com/c360/querycache/tableevents"
)

// Event backends
const (
	EventsLocal = "local" // In-process bus, single node
	EventsNATS  = "nats"  // Table events shared between nodes over NATS
)

// Config represents the complete node configuration
type Config struct {
	Version      string       `json:"version,omitempty"`
	Node         NodeConfig   `json:"node"`
	NATS         NATSConfig   `json:"nats"`
	Events       EventsConfig `json:"events"`
	ColumnCache  cache.Config `json:"column_cache"`
	FlattenCache cache.Config `json:"flatten_cache"`
}

// NodeConfig identifies the query node
type NodeConfig struct {
	ID          string               `json:"id"`
	MetricsAddr string               `json:"metrics_addr,omitempty"` // Empty disables the metrics endpoint
	MetricsTLS  tlsutil.ServerConfig `json:"metrics_tls,omitempty"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	Name          string        `json:"name,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`

	TLS tlsutil.ClientConfig `json:"tls,omitempty"`
}

// EventsConfig selects how table lifecycle events reach the caches
type EventsConfig struct {
	Backend       string `json:"backend"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{
		config: cfg,
	}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically updates the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Update", "config cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	clone := *c
	clone.NATS.URLs = append([]string(nil), c.NATS.URLs...)
	clone.NATS.TLS.CAFiles = append([]string(nil), c.NATS.TLS.CAFiles...)
	clone.Node.MetricsTLS.ClientCAFiles = append([]string(nil), c.Node.MetricsTLS.ClientCAFiles...)
	return &clone
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return invalid("node.id is required")
	}
	if !isValidNATSSubjectPart(c.Node.ID) {
		return invalid(fmt.Sprintf(
			"node.id '%s' is not valid for NATS subjects (must be alphanumeric with dots, dashes, underscores)",
			c.Node.ID))
	}

	if err := c.Node.MetricsTLS.Validate(); err != nil {
		return errors.WrapInvalid(err, "config", "Validate", "node.metrics_tls")
	}

	if err := c.validateEvents(); err != nil {
		return err
	}

	if err := validateCache("column_cache", c.ColumnCache); err != nil {
		return err
	}
	if err := validateCache("flatten_cache", c.FlattenCache); err != nil {
		return err
	}

	return nil
}

func (c *Config) validateEvents() error {
	switch c.Events.Backend {
	case EventsLocal:
		return nil
	case EventsNATS:
	default:
		return invalid(fmt.Sprintf("events.backend must be %q or %q, got %q",
			EventsLocal, EventsNATS, c.Events.Backend))
	}

	if len(c.NATS.URLs) == 0 {
		return invalid("nats.urls is required when events.backend is nats")
	}
	for i, url := range c.NATS.URLs {
		if !strings.HasPrefix(url, "nats://") && !strings.HasPrefix(url, "tls://") {
			return invalid(fmt.Sprintf("nats.urls[%d] '%s' must use nats:// or tls://", i, url))
		}
	}
	if c.NATS.Timeout < 0 || c.NATS.ReconnectWait < 0 {
		return invalid("nats durations must not be negative")
	}
	if err := c.NATS.TLS.Validate(); err != nil {
		return errors.WrapInvalid(err, "config", "Validate", "nats.tls")
	}
	if !isValidNATSSubjectPart(c.Events.SubjectPrefix) {
		return invalid(fmt.Sprintf("events.subject_prefix '%s' is not valid for NATS subjects",
			c.Events.SubjectPrefix))
	}
	return nil
}

func validateCache(section string, cfg cache.Config) error {
	if err := cfg.ValidateCounting(); err != nil {
		return errors.WrapInvalid(err, "config", "Validate", section)
	}
	if err := cfg.ValidateConstantTime(); err != nil {
		return errors.WrapInvalid(err, "config", "Validate", section)
	}
	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", msg)
}

// isValidNATSSubjectPart checks if a string is valid for use in NATS subjects.
// Valid characters are alphanumeric, dots, dashes, and underscores.
func isValidNATSSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}

	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// Defaults returns the default configuration
func Defaults() *Config {
	columns := cache.DefaultConfig()
	columns.CapacityBytes = 1 << 30
	columns.Cleanup = cache.PolicyConfig{Kind: cache.PolicyEveryN, Every: 64}
	columns.FlagWindow = 0

	return &Config{
		Node: NodeConfig{
			ID:          "querycache",
			MetricsAddr: ":9090",
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		},
		Events: EventsConfig{
			Backend:       EventsLocal,
			SubjectPrefix: tableevents.DefaultSubjectPrefix,
		},
		ColumnCache:  columns,
		FlattenCache: cache.DefaultConfig(),
	}
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.WrapInvalid(err, "config", "SaveToFile", "marshal config")
	}

	return safeWriteFile(path, data)
}

// String returns a JSON representation of the config with credentials redacted
func (c *Config) String() string {
	redacted := c.Clone()
	if redacted.NATS.Password != "" {
		redacted.NATS.Password = "***"
	}
	if redacted.NATS.Token != "" {
		redacted.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(redacted, "", "  ")
	return string(data)
}

// UnmarshalJSON accepts NATS durations as strings ("2s") or integer nanoseconds
func (n *NATSConfig) UnmarshalJSON(data []byte) error {
	type Alias NATSConfig
	aux := &struct {
		ReconnectWait json.RawMessage `json:"reconnect_wait,omitempty"`
		Timeout       json.RawMessage `json:"timeout,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(n),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	var err error
	if n.ReconnectWait, err = parseDuration(aux.ReconnectWait, "reconnect_wait", n.ReconnectWait); err != nil {
		return err
	}
	if n.Timeout, err = parseDuration(aux.Timeout, "timeout", n.Timeout); err != nil {
		return err
	}
	return nil
}

func parseDuration(data json.RawMessage, field string, current time.Duration) (time.Duration, error) {
	if len(data) == 0 || string(data) == "null" {
		return current, nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, errors.WrapInvalid(err, "config", "UnmarshalJSON", fmt.Sprintf("invalid %s duration", field))
		}
		return d, nil
	}

	var ns int64
	if err := json.Unmarshal(data, &ns); err != nil {
		return 0, errors.WrapInvalid(err, "config", "UnmarshalJSON",
			fmt.Sprintf("%s must be a duration string or integer nanoseconds", field))
	}
	return time.Duration(ns), nil
}
