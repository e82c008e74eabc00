package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/querycache/errors"
)

// DefaultEnvPrefix prefixes the environment variables the loader reads
const DefaultEnvPrefix = "QUERYCACHE"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: false,
		envPrefix:  DefaultEnvPrefix,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", fmt.Sprintf("load %s", path))
		}
		cfg, err = l.mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", fmt.Sprintf("merge %s", path))
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// loadRaw loads a JSON or YAML file as a map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	}

	return raw, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}

	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}

	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))

	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}

		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}

		result[k] = v
	}

	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"NODE_ID":               &cfg.Node.ID,
		"NODE_METRICS_ADDR":     &cfg.Node.MetricsAddr,
		"NATS_USERNAME":         &cfg.NATS.Username,
		"NATS_PASSWORD":         &cfg.NATS.Password,
		"NATS_TOKEN":            &cfg.NATS.Token,
		"EVENTS_BACKEND":        &cfg.Events.Backend,
		"EVENTS_SUBJECT_PREFIX": &cfg.Events.SubjectPrefix,
	}
	for name, field := range strs {
		val, err := l.lookupEnv(name)
		if err != nil {
			return err
		}
		if val != "" {
			*field = val
		}
	}

	if val, err := l.lookupEnv("NATS_URLS"); err != nil {
		return err
	} else if val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}

	bytes := map[string]*int64{
		"COLUMN_CACHE_CAPACITY_BYTES":  &cfg.ColumnCache.CapacityBytes,
		"FLATTEN_CACHE_CAPACITY_BYTES": &cfg.FlattenCache.CapacityBytes,
	}
	for name, field := range bytes {
		val, err := l.lookupEnv(name)
		if err != nil {
			return err
		}
		if val == "" {
			continue
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return errors.WrapInvalid(err, "config", "applyEnvOverrides", l.envPrefix+"_"+name)
		}
		*field = n
	}

	durations := map[string]*time.Duration{
		"FLATTEN_CACHE_FLAG_WINDOW": &cfg.FlattenCache.FlagWindow,
		"COLUMN_CACHE_TTL":          &cfg.ColumnCache.TTL,
		"FLATTEN_CACHE_TTL":         &cfg.FlattenCache.TTL,
	}
	for name, field := range durations {
		val, err := l.lookupEnv(name)
		if err != nil {
			return err
		}
		if val == "" {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return errors.WrapInvalid(err, "config", "applyEnvOverrides", l.envPrefix+"_"+name)
		}
		*field = d
	}

	return nil
}

func (l *Loader) lookupEnv(name string) (string, error) {
	key := l.envPrefix + "_" + name
	val := os.Getenv(key)
	if err := validateEnvVar(key, val); err != nil {
		return "", errors.WrapInvalid(err, "config", "applyEnvOverrides", "environment override")
	}
	return val, nil
}
