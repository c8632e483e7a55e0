// Package config loads the indexer's TOML configuration file, following
// the struct-tagged load-file-then-apply-defaults shape the ingester
// services in this codebase use for their YAML configs.
package config

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml"
)

// Config is the top-level shape of the indexer's config file, matching
// spec §6's schema.
type Config struct {
	MongoDBURL string `toml:"mongodb_url"`
	Database   string `toml:"database"`
	ICURL      string `toml:"ic_url"`

	Tokens []TokenConfig `toml:"tokens"`

	Log       LogConfig       `toml:"log"`
	APIServer APIServerConfig `toml:"api_server"`
	Sync      SyncConfig      `toml:"sync"`
}

// TokenConfig names one ledger canister to index: `{symbol, name,
// canister_id, decimals?}` (spec §3, §6). Decimals is a pointer because
// it is optional — when absent the coordinator's Init step caches it
// from the ledger's own icrc1_metadata (spec §4.7).
type TokenConfig struct {
	Symbol     string `toml:"symbol"`
	Name       string `toml:"name"`
	CanisterID string `toml:"canister_id"`
	Decimals   *int   `toml:"decimals"`
}

// LogConfig controls the zap logger built at startup (spec §6: level,
// file, console_level, file_enabled, max_size, max_files).
type LogConfig struct {
	Level        string `toml:"level"`
	File         string `toml:"file"`
	ConsoleLevel string `toml:"console_level"`
	FileEnabled  bool   `toml:"file_enabled"`
	MaxSize      int    `toml:"max_size"`
	MaxFiles     int    `toml:"max_files"`
}

// APIServerConfig controls the read-only gorilla/mux query API (spec
// §6: enabled, port, cors_enabled).
type APIServerConfig struct {
	Enabled     *bool `toml:"enabled"`
	Port        int   `toml:"port"`
	CORSEnabled bool  `toml:"cors_enabled"`
}

// IsEnabled reports whether the query API should be started; absent from
// the config file, it defaults to true.
func (c APIServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Addr returns the listen address http.Server expects, derived from Port.
func (c APIServerConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// SyncConfig holds the [sync] section. The indexer reads only the lease
// (LeaseSeconds); PollIntervalSeconds and BatchSize are parsed and
// defaulted, but the live tick period and the batch width come from the
// syncer package's own TickInterval and BatchSize constants.
type SyncConfig struct {
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
	BatchSize           int `toml:"batch_size"`
	LeaseSeconds        int `toml:"lease_seconds"`
}

// PollInterval returns Sync.PollIntervalSeconds as a time.Duration.
func (c SyncConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Lease returns Sync.LeaseSeconds as a time.Duration.
func (c SyncConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// Load reads and parses the TOML config file at path, applying the same
// defaults a fresh deployment would want out of the box.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.MongoDBURL == "" {
		return nil, fmt.Errorf("config: mongodb_url is required")
	}
	if cfg.Database == "" {
		cfg.Database = "icrc_indexer"
	}
	if cfg.ICURL == "" {
		cfg.ICURL = "https://icp-api.io"
	}
	if len(cfg.Tokens) == 0 {
		return nil, fmt.Errorf("config: at least one [[tokens]] entry is required")
	}
	for i, tok := range cfg.Tokens {
		if tok.Symbol == "" {
			return nil, fmt.Errorf("config: tokens[%d].symbol is required", i)
		}
		if tok.CanisterID == "" {
			return nil, fmt.Errorf("config: tokens[%d].canister_id is required", i)
		}
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.APIServer.Port == 0 {
		cfg.APIServer.Port = 8090
	}
	if cfg.Sync.PollIntervalSeconds == 0 {
		cfg.Sync.PollIntervalSeconds = 5
	}
	if cfg.Sync.BatchSize == 0 {
		cfg.Sync.BatchSize = 2000
	}
	if cfg.Sync.LeaseSeconds == 0 {
		cfg.Sync.LeaseSeconds = 30
	}

	return &cfg, nil
}
