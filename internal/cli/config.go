package cli

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the client configuration for the run command. Flags override
// any value set here.
type Config struct {
	// Server is the websocket URL of the sync server.
	Server string `yaml:"server"`

	// Origin is the origin header for the websocket handshake.
	Origin string `yaml:"origin,omitempty"`

	// Database is the SQLite path. Empty means in-memory.
	Database string `yaml:"database,omitempty"`

	// Queries are query shapes to subscribe to at startup.
	Queries []map[string]any `yaml:"queries,omitempty"`

	// MutationTimeoutMS bounds how long an unacked mutation stays pending.
	MutationTimeoutMS int64 `yaml:"mutation_timeout_ms,omitempty"`

	// QueryCacheLimit caps how many query entries the cache keeps.
	QueryCacheLimit int `yaml:"query_cache_limit,omitempty"`
}

// LoadConfig reads a client config YAML file with strict field validation.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.MutationTimeoutMS < 0 {
		return nil, fmt.Errorf("invalid config: mutation_timeout_ms must be >= 0")
	}
	if cfg.QueryCacheLimit < 0 {
		return nil, fmt.Errorf("invalid config: query_cache_limit must be >= 0")
	}

	return &cfg, nil
}
