// Package config provides configuration loading for querycache nodes.
//
// Configuration is assembled from defaults, any number of JSON or YAML file
// layers, and environment variable overrides, in that order.
//
// # Sections
//
// node: identity of the query node and the address of its metrics endpoint.
//
// nats: connection settings, used when events.backend is "nats".
//
// events: "local" delivers table lifecycle events in-process only; "nats"
// shares them between nodes under events.subject_prefix.
//
// column_cache, flatten_cache: cache.Config for the decompressed column
// cache and the flattened table cache. The ttl of each is how long a removed
// table stays tombstoned. Durations accept strings ("30s") or integer
// nanoseconds.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/production.json") // Overrides base
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Environment Overrides
//
// Variables are prefixed with QUERYCACHE_ by default: QUERYCACHE_NODE_ID,
// QUERYCACHE_NATS_URLS (comma separated), QUERYCACHE_EVENTS_BACKEND,
// QUERYCACHE_COLUMN_CACHE_CAPACITY_BYTES, QUERYCACHE_FLATTEN_CACHE_FLAG_WINDOW
// and the rest listed in applyEnvOverrides.
//
// # Thread-Safe Access
//
// SafeConfig holds a validated configuration and hands out copies:
//
//	safe := config.NewSafeConfig(cfg)
//	current := safe.Get()
package config
