package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the tradedesk service.
type Config struct {
	Storage   Storage         `yaml:"storage"`
	Server    Server          `yaml:"server"`
	Alpaca    Alpaca          `yaml:"alpaca"`
	Logging   Logging         `yaml:"logging"`
	Trading   TradingConfig   `yaml:"trading"`
	Engine    EngineConfig    `yaml:"engine"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Batch     BatchConfig     `yaml:"batch"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig selects the execution venue and price-feed behaviour.
type TradingConfig struct {
	PaperMode       bool     `yaml:"paper_mode"`
	PriceTTL        Duration `yaml:"price_ttl"`
	PriceRatePerMin int      `yaml:"price_rate_per_min"`
	RatePerMin      int      `yaml:"rate_per_min"`
}

// EngineConfig holds order-engine tuning parameters.
type EngineConfig struct {
	SubmitAttempts       int      `yaml:"submit_attempts"`
	SubmitBackoff        Duration `yaml:"submit_backoff"`
	BrokerTimeout        Duration `yaml:"broker_timeout"`
	IdempotencyRetention Duration `yaml:"idempotency_retention"`
}

// ReconcileConfig controls the broker truth sweep.
type ReconcileConfig struct {
	Interval Duration `yaml:"interval"`
}

// BatchConfig controls batch order submission.
type BatchConfig struct {
	Workers int `yaml:"workers"`
}

// Duration parses YAML values like "500ms" or "2m" via time.ParseDuration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "tradedesk.db"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Trading.PriceTTL == 0 {
		cfg.Trading.PriceTTL = Duration(5 * time.Second)
	}
	if cfg.Trading.PriceRatePerMin == 0 {
		cfg.Trading.PriceRatePerMin = 200
	}
	if cfg.Trading.RatePerMin == 0 {
		cfg.Trading.RatePerMin = 200
	}
	if cfg.Engine.SubmitAttempts == 0 {
		cfg.Engine.SubmitAttempts = 3
	}
	if cfg.Engine.SubmitBackoff == 0 {
		cfg.Engine.SubmitBackoff = Duration(500 * time.Millisecond)
	}
	if cfg.Engine.BrokerTimeout == 0 {
		cfg.Engine.BrokerTimeout = Duration(10 * time.Second)
	}
	if cfg.Engine.IdempotencyRetention == 0 {
		cfg.Engine.IdempotencyRetention = Duration(24 * time.Hour)
	}
	if cfg.Reconcile.Interval == 0 {
		cfg.Reconcile.Interval = Duration(time.Minute)
	}
	if cfg.Batch.Workers == 0 {
		cfg.Batch.Workers = 4
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (highest priority — canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
