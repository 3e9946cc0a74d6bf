package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATA_DIR", "SQLITE_PATH",
		"ALPACA_API_KEY", "ALPACA_API_SECRET", "ALPACA_BASE_URL", "ALPACA_DATA_URL",
		"APCA_API_KEY_ID", "APCA_API_SECRET_KEY", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  data_dir: "/var/lib/tradedesk"
  sqlite_path: "/var/lib/tradedesk/tradedesk.db"
server:
  host: "127.0.0.1"
  port: 9000
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  base_url: "https://paper-api.alpaca.markets"
  data_url: "https://data.alpaca.markets"
logging:
  level: "debug"
  format: "json"
trading:
  paper_mode: true
  price_ttl: "2s"
engine:
  submit_attempts: 5
  submit_backoff: "250ms"
  broker_timeout: "8s"
  idempotency_retention: "48h"
reconcile:
  interval: "30s"
batch:
  workers: 8
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.DataDir != "/var/lib/tradedesk" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if got := cfg.Server.Addr(); got != "127.0.0.1:9000" {
		t.Errorf("Server.Addr() = %q, want 127.0.0.1:9000", got)
	}
	if cfg.Alpaca.APIKey != "test-key" || cfg.Alpaca.APISecret != "test-secret" {
		t.Errorf("Alpaca credentials = %q/%q", cfg.Alpaca.APIKey, cfg.Alpaca.APISecret)
	}
	if !cfg.Trading.PaperMode {
		t.Error("Trading.PaperMode = false, want true")
	}
	if cfg.Trading.PriceTTL.Std() != 2*time.Second {
		t.Errorf("Trading.PriceTTL = %v, want 2s", cfg.Trading.PriceTTL.Std())
	}
	if cfg.Engine.SubmitAttempts != 5 {
		t.Errorf("Engine.SubmitAttempts = %d, want 5", cfg.Engine.SubmitAttempts)
	}
	if cfg.Engine.SubmitBackoff.Std() != 250*time.Millisecond {
		t.Errorf("Engine.SubmitBackoff = %v, want 250ms", cfg.Engine.SubmitBackoff.Std())
	}
	if cfg.Engine.IdempotencyRetention.Std() != 48*time.Hour {
		t.Errorf("Engine.IdempotencyRetention = %v, want 48h", cfg.Engine.IdempotencyRetention.Std())
	}
	if cfg.Reconcile.Interval.Std() != 30*time.Second {
		t.Errorf("Reconcile.Interval = %v, want 30s", cfg.Reconcile.Interval.Std())
	}
	if cfg.Batch.Workers != 8 {
		t.Errorf("Batch.Workers = %d, want 8", cfg.Batch.Workers)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
alpaca:
  api_key: "k"
  api_secret: "s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Engine.SubmitAttempts != 3 {
		t.Errorf("default submit attempts = %d, want 3", cfg.Engine.SubmitAttempts)
	}
	if cfg.Engine.BrokerTimeout.Std() != 10*time.Second {
		t.Errorf("default broker timeout = %v, want 10s", cfg.Engine.BrokerTimeout.Std())
	}
	if cfg.Reconcile.Interval.Std() != time.Minute {
		t.Errorf("default reconcile interval = %v, want 1m", cfg.Reconcile.Interval.Std())
	}
	if cfg.Batch.Workers != 4 {
		t.Errorf("default batch workers = %d, want 4", cfg.Batch.Workers)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default log level = %q, want info", cfg.Logging.Level)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
alpaca:
  api_key: "from-file"
  api_secret: "from-file"
`)

	t.Setenv("ALPACA_API_KEY", "from-alpaca-env")
	t.Setenv("APCA_API_KEY_ID", "from-apca-env")
	t.Setenv("SQLITE_PATH", "/custom/tradedesk.db")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// Canonical APCA_ names win over both the file and our own env names.
	if cfg.Alpaca.APIKey != "from-apca-env" {
		t.Errorf("Alpaca.APIKey = %q, want from-apca-env", cfg.Alpaca.APIKey)
	}
	if cfg.Storage.SQLitePath != "/custom/tradedesk.db" {
		t.Errorf("Storage.SQLitePath = %q", cfg.Storage.SQLitePath)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestLoadBadDuration(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
engine:
  submit_backoff: "not-a-duration"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
