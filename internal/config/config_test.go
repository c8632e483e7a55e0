package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "indexer.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
mongodb_url = "mongodb://localhost:27017"

[[tokens]]
symbol = "TOK"
canister_id = "aaaaa-aa"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database != "icrc_indexer" {
		t.Fatalf("expected default database, got %q", cfg.Database)
	}
	if cfg.ICURL != "https://icp-api.io" {
		t.Fatalf("expected default ic_url, got %q", cfg.ICURL)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("expected default log level, got %q", cfg.Log.Level)
	}
	if !cfg.APIServer.IsEnabled() {
		t.Fatalf("expected api server to default to enabled")
	}
	if cfg.APIServer.Addr() != ":8090" {
		t.Fatalf("expected default api addr, got %q", cfg.APIServer.Addr())
	}
	if cfg.Sync.PollIntervalSeconds != 5 || cfg.Sync.BatchSize != 2000 || cfg.Sync.LeaseSeconds != 30 {
		t.Fatalf("expected default sync settings, got %+v", cfg.Sync)
	}
	if cfg.Sync.Lease().Seconds() != 30 {
		t.Fatalf("expected Lease() to derive from LeaseSeconds, got %v", cfg.Sync.Lease())
	}
	if cfg.Tokens[0].Decimals != nil {
		t.Fatalf("expected decimals to remain unset when omitted, got %v", cfg.Tokens[0].Decimals)
	}
}

func TestLoadPreservesExplicitValues(t *testing.T) {
	path := writeTempConfig(t, `
mongodb_url = "mongodb://localhost:27017"
database = "custom_db"
ic_url = "https://custom.example"

[log]
level = "debug"
console_level = "warn"
file = "/var/log/indexer.log"
file_enabled = true
max_size = 100
max_files = 5

[api_server]
enabled = true
port = 9999
cors_enabled = true

[sync]
poll_interval_seconds = 10
batch_size = 500
lease_seconds = 60

[[tokens]]
symbol = "TOK"
name = "Token"
canister_id = "aaaaa-aa"
decimals = 8
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database != "custom_db" || cfg.ICURL != "https://custom.example" {
		t.Fatalf("expected explicit values preserved, got %+v", cfg)
	}
	if cfg.Log.Level != "debug" || cfg.Log.ConsoleLevel != "warn" || !cfg.Log.FileEnabled || cfg.Log.File == "" {
		t.Fatalf("expected explicit log config preserved, got %+v", cfg.Log)
	}
	if !cfg.APIServer.IsEnabled() || cfg.APIServer.Addr() != ":9999" || !cfg.APIServer.CORSEnabled {
		t.Fatalf("expected explicit api server config preserved, got %+v", cfg.APIServer)
	}
	if cfg.Sync.PollIntervalSeconds != 10 || cfg.Sync.Lease().Seconds() != 60 {
		t.Fatalf("expected explicit sync config preserved, got %+v", cfg.Sync)
	}
	if cfg.Tokens[0].Name != "Token" {
		t.Fatalf("expected token name preserved, got %q", cfg.Tokens[0].Name)
	}
	if cfg.Tokens[0].Decimals == nil || *cfg.Tokens[0].Decimals != 8 {
		t.Fatalf("expected token decimals preserved, got %v", cfg.Tokens[0].Decimals)
	}
}

func TestLoadAPIServerCanBeDisabled(t *testing.T) {
	path := writeTempConfig(t, `
mongodb_url = "mongodb://localhost:27017"

[api_server]
enabled = false

[[tokens]]
symbol = "TOK"
canister_id = "aaaaa-aa"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIServer.IsEnabled() {
		t.Fatalf("expected api server to be disabled when enabled = false")
	}
}

func TestLoadRequiresMongoDBURL(t *testing.T) {
	path := writeTempConfig(t, `
[[tokens]]
symbol = "TOK"
canister_id = "aaaaa-aa"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when mongodb_url is missing")
	}
}

func TestLoadRequiresAtLeastOneToken(t *testing.T) {
	path := writeTempConfig(t, `mongodb_url = "mongodb://localhost:27017"`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when no tokens are configured")
	}
}

func TestLoadRequiresTokenFields(t *testing.T) {
	path := writeTempConfig(t, `
mongodb_url = "mongodb://localhost:27017"

[[tokens]]
symbol = "TOK"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when a token is missing canister_id")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
