package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/querycache/errors"
	"github.com/c360/querycache/pkg/cache"
	"github.com/c360/querycache/pkg/tlsutil"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, "querycache", cfg.Node.ID)
	assert.Equal(t, EventsLocal, cfg.Events.Backend)
	assert.Equal(t, "querycache", cfg.Events.SubjectPrefix)
	assert.Equal(t, []string{"nats://localhost:4222"}, cfg.NATS.URLs)
	assert.Equal(t, int64(1<<30), cfg.ColumnCache.CapacityBytes)
	assert.Equal(t, cache.PolicyEveryN, cfg.ColumnCache.Cleanup.Kind)
	assert.Equal(t, 64, cfg.ColumnCache.Cleanup.Every)
	assert.Equal(t, cache.DefaultConfig(), cfg.FlattenCache)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"node": {"id": "node-1"},
		"nats": {
			"urls": ["nats://a:4222", "nats://b:4222"],
			"max_reconnects": 10,
			"reconnect_wait": "5s",
			"timeout": 3000000000
		},
		"events": {"backend": "nats"},
		"flatten_cache": {"capacity_bytes": 1048576, "flag_window": "1m"}
	}`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.Node.ID)
	assert.Equal(t, ":9090", cfg.Node.MetricsAddr, "unset fields keep their defaults")
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 10, cfg.NATS.MaxReconnects)
	assert.Equal(t, 5*time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, 3*time.Second, cfg.NATS.Timeout)
	assert.Equal(t, EventsNATS, cfg.Events.Backend)
	assert.Equal(t, "querycache", cfg.Events.SubjectPrefix)

	assert.Equal(t, int64(1<<20), cfg.FlattenCache.CapacityBytes)
	assert.Equal(t, time.Minute, cfg.FlattenCache.FlagWindow)
	assert.Equal(t, 5*time.Minute, cfg.FlattenCache.TTL)
	assert.Equal(t, cache.PolicyAlways, cfg.FlattenCache.Cleanup.Kind)
}

func TestLoader_LoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
node:
  id: node-2
column_cache:
  capacity_bytes: 2048
  ttl: 10m
  cleanup:
    kind: interval
    interval: 500ms
events:
  backend: local
`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "node-2", cfg.Node.ID)
	assert.Equal(t, int64(2048), cfg.ColumnCache.CapacityBytes)
	assert.Equal(t, 10*time.Minute, cfg.ColumnCache.TTL)
	assert.Equal(t, cache.PolicyInterval, cfg.ColumnCache.Cleanup.Kind)
	assert.Equal(t, 500*time.Millisecond, cfg.ColumnCache.Cleanup.Interval)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadTLS(t *testing.T) {
	path := writeFile(t, "tls.yaml", `
node:
  id: secure
  metrics_tls:
    enabled: true
    cert_file: /etc/querycache/metrics.pem
    key_file: /etc/querycache/metrics-key.pem
nats:
  urls: ["tls://broker:4222"]
  tls:
    enabled: true
    ca_files: [/etc/querycache/ca.pem]
    min_version: "1.3"
events:
  backend: nats
`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.True(t, cfg.Node.MetricsTLS.Enabled)
	assert.Equal(t, "/etc/querycache/metrics.pem", cfg.Node.MetricsTLS.CertFile)
	assert.True(t, cfg.NATS.TLS.Enabled)
	assert.Equal(t, []string{"/etc/querycache/ca.pem"}, cfg.NATS.TLS.CAFiles)
	assert.Equal(t, "1.3", cfg.NATS.TLS.MinVersion)
	assert.NoError(t, cfg.Validate())

	clone := cfg.Clone()
	clone.NATS.TLS.CAFiles[0] = "changed"
	assert.Equal(t, "/etc/querycache/ca.pem", cfg.NATS.TLS.CAFiles[0])
}

func TestLoader_Layers(t *testing.T) {
	base := writeFile(t, "base.yaml", `
node:
  id: base
  metrics_addr: ":9100"
flatten_cache:
  capacity_bytes: 1000
  flag_window: 10s
`)
	override := writeFile(t, "override.json", `{
		"node": {"id": "override"},
		"flatten_cache": {"capacity_bytes": 2000}
	}`)

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(override)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "override", cfg.Node.ID)
	assert.Equal(t, ":9100", cfg.Node.MetricsAddr)
	assert.Equal(t, int64(2000), cfg.FlattenCache.CapacityBytes)
	assert.Equal(t, 10*time.Second, cfg.FlattenCache.FlagWindow)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("QUERYCACHE_NODE_ID", "from-env")
	t.Setenv("QUERYCACHE_NATS_URLS", "nats://x:4222,nats://y:4222")
	t.Setenv("QUERYCACHE_EVENTS_BACKEND", "nats")
	t.Setenv("QUERYCACHE_COLUMN_CACHE_CAPACITY_BYTES", "4096")
	t.Setenv("QUERYCACHE_FLATTEN_CACHE_FLAG_WINDOW", "45s")

	path := writeFile(t, "config.json", `{"node": {"id": "from-file"}}`)
	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Node.ID)
	assert.Equal(t, []string{"nats://x:4222", "nats://y:4222"}, cfg.NATS.URLs)
	assert.Equal(t, EventsNATS, cfg.Events.Backend)
	assert.Equal(t, int64(4096), cfg.ColumnCache.CapacityBytes)
	assert.Equal(t, 45*time.Second, cfg.FlattenCache.FlagWindow)
}

func TestLoader_EnvPrefix(t *testing.T) {
	t.Setenv("QC_NODE_ID", "custom")

	loader := NewLoader()
	loader.SetEnvPrefix("QC")
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "custom", cfg.Node.ID)
}

func TestLoader_InvalidEnvOverride(t *testing.T) {
	t.Setenv("QUERYCACHE_COLUMN_CACHE_CAPACITY_BYTES", "lots")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"malformed json", "bad.json", `{"node": `},
		{"malformed yaml", "bad.yaml", "node: [unclosed"},
		{"unsupported extension", "config.toml", `node = "x"`},
		{"bad duration", "dur.json", `{"nats": {"timeout": "soon"}}`},
		{"bad cache duration", "cache.json", `{"flatten_cache": {"flag_window": "later"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			_, err := NewLoader().LoadFile(path)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := NewLoader().LoadFile(filepath.Join(t.TempDir(), "missing.json"))
		assert.Error(t, err)
	})
}

func TestLoader_Validation(t *testing.T) {
	path := writeFile(t, "config.json", `{"events": {"backend": "kafka"}}`)

	_, err := NewLoader().LoadFile(path)
	require.NoError(t, err, "validation is off by default")

	loader := NewLoader()
	loader.EnableValidation(true)
	_, err = loader.LoadFile(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"missing node id", func(c *Config) { c.Node.ID = "" }, true},
		{"node id with spaces", func(c *Config) { c.Node.ID = "node one" }, true},
		{"unknown backend", func(c *Config) { c.Events.Backend = "kafka" }, true},
		{"nats backend", func(c *Config) { c.Events.Backend = EventsNATS }, false},
		{"nats backend without urls", func(c *Config) {
			c.Events.Backend = EventsNATS
			c.NATS.URLs = nil
		}, true},
		{"nats backend with http url", func(c *Config) {
			c.Events.Backend = EventsNATS
			c.NATS.URLs = []string{"http://localhost:4222"}
		}, true},
		{"nats backend with bad prefix", func(c *Config) {
			c.Events.Backend = EventsNATS
			c.Events.SubjectPrefix = "query cache"
		}, true},
		{"negative nats timeout", func(c *Config) {
			c.Events.Backend = EventsNATS
			c.NATS.Timeout = -time.Second
		}, true},
		{"nats tls cert without key", func(c *Config) {
			c.Events.Backend = EventsNATS
			c.NATS.TLS = tlsutil.ClientConfig{Enabled: true, CertFile: "client.pem"}
		}, true},
		{"nats tls ignored for local events", func(c *Config) {
			c.NATS.TLS = tlsutil.ClientConfig{Enabled: true, CertFile: "client.pem"}
		}, false},
		{"metrics tls without key", func(c *Config) {
			c.Node.MetricsTLS = tlsutil.ServerConfig{Enabled: true, CertFile: "server.pem"}
		}, true},
		{"zero column capacity", func(c *Config) { c.ColumnCache.CapacityBytes = 0 }, true},
		{"zero flatten ttl", func(c *Config) { c.FlattenCache.TTL = 0 }, true},
		{"negative flag window", func(c *Config) { c.FlattenCache.FlagWindow = -time.Second }, true},
		{"bad cleanup policy", func(c *Config) {
			c.ColumnCache.Cleanup = cache.PolicyConfig{Kind: cache.PolicyEveryN}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_SaveAndReload(t *testing.T) {
	cfg := Defaults()
	cfg.Node.ID = "saved"
	cfg.FlattenCache.FlagWindow = 42 * time.Second

	path := filepath.Join(t.TempDir(), "saved.json")
	require.NoError(t, cfg.SaveToFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := NewLoader().LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestConfig_StringRedactsCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.NATS.Password = "hunter2"
	cfg.NATS.Token = "secret-token"

	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "secret-token")
	assert.Equal(t, "hunter2", cfg.NATS.Password, "String must not modify the config")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
}

func TestSafeConfig(t *testing.T) {
	safe := NewSafeConfig(Defaults())

	copied := safe.Get()
	copied.NATS.URLs[0] = "nats://changed:4222"
	assert.Equal(t, "nats://localhost:4222", safe.Get().NATS.URLs[0])

	next := Defaults()
	next.Node.ID = "next"
	require.NoError(t, safe.Update(next))
	assert.Equal(t, "next", safe.Get().Node.ID)

	bad := Defaults()
	bad.Node.ID = ""
	assert.Error(t, safe.Update(bad))
	assert.Error(t, safe.Update(nil))
	assert.Equal(t, "next", safe.Get().Node.ID)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = safe.Get()
		}()
		go func() {
			defer wg.Done()
			_ = safe.Update(Defaults())
		}()
	}
	wg.Wait()
}
