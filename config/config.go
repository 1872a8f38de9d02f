// Package config loads the trading core configuration from a JSON file
// with environment variable overrides. Secrets never live in the file:
// exchange keys come from Vault or the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"trading-core/internal/logging"
)

type Config struct {
	FeedConfig      FeedConfig      `json:"feed"`
	ExchangeConfig  ExchangeConfig  `json:"exchange"`
	RiskConfig      RiskConfig      `json:"risk"`
	BreakerConfig   BreakerConfig   `json:"circuit_breaker"`
	OrdersConfig    OrdersConfig    `json:"orders"`
	PositionConfig  PositionConfig  `json:"position"`
	RedisConfig     RedisConfig     `json:"redis"`
	JournalConfig   JournalConfig   `json:"journal"`
	VaultConfig     VaultConfig     `json:"vault"`
	LoggingConfig   LoggingConfig   `json:"logging"`
	StrategyFile    string          `json:"strategy_file"`
	LaneBufferSize  int             `json:"lane_buffer_size"`
}

// FeedConfig holds the market data websocket configuration
type FeedConfig struct {
	URL            string        `json:"url"`
	ReadTimeout    time.Duration `json:"-"`
	ReconnectDelay time.Duration `json:"-"`
	ReconnectMax   time.Duration `json:"-"`
}

// ExchangeConfig holds the order/position endpoint configuration
type ExchangeConfig struct {
	BaseURL  string `json:"base_url"`
	TestNet  bool   `json:"testnet"`
	MockMode bool   `json:"mock_mode"` // use the in-process mock adapter
}

type RiskConfig struct {
	MaxOrderNotional float64 `json:"max_order_notional"`
	MaxOrderQuantity float64 `json:"max_order_quantity"`
	MaxOpenPositions int     `json:"max_open_positions"`
	TotalBudget      float64 `json:"total_budget"`
}

type BreakerConfig struct {
	Enabled           bool          `json:"enabled"`
	FailureThreshold  int           `json:"failure_threshold"`
	Cooldown          time.Duration `json:"-"`
	HalfOpenMaxProbes int           `json:"half_open_max_probes"`
}

type OrdersConfig struct {
	MaxTracked     int           `json:"max_tracked"`
	MaxRetries     int           `json:"max_retries"`
	RetryBaseDelay time.Duration `json:"-"`
	AttemptTimeout time.Duration `json:"-"`
	PollInterval   time.Duration `json:"-"`
	Retention      time.Duration `json:"-"`
}

type PositionConfig struct {
	Interval        time.Duration `json:"-"`
	FetchTimeout    time.Duration `json:"-"`
	FetchRetries    int           `json:"fetch_retries"`
	DegradedAfter   int           `json:"degraded_after"`
	MarginWarnRatio float64       `json:"margin_warn_ratio"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type JournalConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

// LoggingConfig is the logging package's config, embedded as a section so
// the whole file round-trips through one struct.
type LoggingConfig = logging.Config

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		FeedConfig: FeedConfig{
			URL:            "wss://stream.binance.com:9443/ws",
			ReadTimeout:    30 * time.Second,
			ReconnectDelay: time.Second,
			ReconnectMax:   time.Minute,
		},
		ExchangeConfig: ExchangeConfig{
			BaseURL:  "https://api.binance.com",
			MockMode: true,
		},
		RiskConfig: RiskConfig{
			MaxOrderNotional: 10000,
			MaxOrderQuantity: 10,
			MaxOpenPositions: 5,
			TotalBudget:      50000,
		},
		BreakerConfig: BreakerConfig{
			Enabled:           true,
			FailureThreshold:  5,
			Cooldown:          30 * time.Second,
			HalfOpenMaxProbes: 1,
		},
		OrdersConfig: OrdersConfig{
			MaxTracked:     1000,
			MaxRetries:     3,
			RetryBaseDelay: time.Second,
			AttemptTimeout: 800 * time.Millisecond,
			PollInterval:   2 * time.Second,
			Retention:      10 * time.Minute,
		},
		PositionConfig: PositionConfig{
			Interval:        10 * time.Second,
			FetchTimeout:    5 * time.Second,
			FetchRetries:    2,
			DegradedAfter:   3,
			MarginWarnRatio: 1.5,
		},
		RedisConfig: RedisConfig{
			Addr: "localhost:6379",
		},
		JournalConfig: JournalConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Database: "trading_core",
			SSLMode:  "disable",
		},
		VaultConfig: VaultConfig{
			MountPath:  "secret",
			SecretPath: "trading-core/exchange",
		},
		LoggingConfig: LoggingConfig{
			Level:      "info",
			JSONFormat: true,
		},
		StrategyFile:   "strategy.json",
		LaneBufferSize: 256,
	}
}

// Load reads the config file (if present) over the defaults, then applies
// environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	path := getEnvOrDefault("CONFIG_FILE", "config.json")
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	// Feed
	cfg.FeedConfig.URL = getEnvOrDefault("FEED_URL", cfg.FeedConfig.URL)
	cfg.FeedConfig.ReadTimeout = getEnvDurationOrDefault("FEED_READ_TIMEOUT", cfg.FeedConfig.ReadTimeout)
	cfg.FeedConfig.ReconnectDelay = getEnvDurationOrDefault("FEED_RECONNECT_DELAY", cfg.FeedConfig.ReconnectDelay)
	cfg.FeedConfig.ReconnectMax = getEnvDurationOrDefault("FEED_RECONNECT_MAX", cfg.FeedConfig.ReconnectMax)

	// Exchange
	cfg.ExchangeConfig.BaseURL = getEnvOrDefault("EXCHANGE_BASE_URL", cfg.ExchangeConfig.BaseURL)
	cfg.ExchangeConfig.TestNet = getEnvBoolOrDefault("EXCHANGE_TESTNET", cfg.ExchangeConfig.TestNet)
	cfg.ExchangeConfig.MockMode = getEnvBoolOrDefault("EXCHANGE_MOCK_MODE", cfg.ExchangeConfig.MockMode)

	// Risk
	cfg.RiskConfig.MaxOrderNotional = getEnvFloatOrDefault("RISK_MAX_ORDER_NOTIONAL", cfg.RiskConfig.MaxOrderNotional)
	cfg.RiskConfig.MaxOrderQuantity = getEnvFloatOrDefault("RISK_MAX_ORDER_QUANTITY", cfg.RiskConfig.MaxOrderQuantity)
	cfg.RiskConfig.MaxOpenPositions = getEnvIntOrDefault("RISK_MAX_OPEN_POSITIONS", cfg.RiskConfig.MaxOpenPositions)
	cfg.RiskConfig.TotalBudget = getEnvFloatOrDefault("RISK_TOTAL_BUDGET", cfg.RiskConfig.TotalBudget)

	// Circuit breaker
	cfg.BreakerConfig.Enabled = getEnvBoolOrDefault("BREAKER_ENABLED", cfg.BreakerConfig.Enabled)
	cfg.BreakerConfig.FailureThreshold = getEnvIntOrDefault("BREAKER_FAILURE_THRESHOLD", cfg.BreakerConfig.FailureThreshold)
	cfg.BreakerConfig.Cooldown = getEnvDurationOrDefault("BREAKER_COOLDOWN", cfg.BreakerConfig.Cooldown)

	// Orders
	cfg.OrdersConfig.MaxTracked = getEnvIntOrDefault("ORDERS_MAX_TRACKED", cfg.OrdersConfig.MaxTracked)
	cfg.OrdersConfig.MaxRetries = getEnvIntOrDefault("ORDERS_MAX_RETRIES", cfg.OrdersConfig.MaxRetries)
	cfg.OrdersConfig.RetryBaseDelay = getEnvDurationOrDefault("ORDERS_RETRY_BASE_DELAY", cfg.OrdersConfig.RetryBaseDelay)
	cfg.OrdersConfig.AttemptTimeout = getEnvDurationOrDefault("ORDERS_ATTEMPT_TIMEOUT", cfg.OrdersConfig.AttemptTimeout)
	cfg.OrdersConfig.PollInterval = getEnvDurationOrDefault("ORDERS_POLL_INTERVAL", cfg.OrdersConfig.PollInterval)
	cfg.OrdersConfig.Retention = getEnvDurationOrDefault("ORDERS_RETENTION", cfg.OrdersConfig.Retention)

	// Position reconciler
	cfg.PositionConfig.Interval = getEnvDurationOrDefault("POSITION_INTERVAL", cfg.PositionConfig.Interval)
	cfg.PositionConfig.FetchTimeout = getEnvDurationOrDefault("POSITION_FETCH_TIMEOUT", cfg.PositionConfig.FetchTimeout)
	cfg.PositionConfig.MarginWarnRatio = getEnvFloatOrDefault("POSITION_MARGIN_WARN_RATIO", cfg.PositionConfig.MarginWarnRatio)

	// Redis
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Addr = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Addr)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Journal database
	cfg.JournalConfig.Enabled = getEnvBoolOrDefault("JOURNAL_ENABLED", cfg.JournalConfig.Enabled)
	cfg.JournalConfig.Host = getEnvOrDefault("JOURNAL_DB_HOST", cfg.JournalConfig.Host)
	cfg.JournalConfig.Port = getEnvIntOrDefault("JOURNAL_DB_PORT", cfg.JournalConfig.Port)
	cfg.JournalConfig.User = getEnvOrDefault("JOURNAL_DB_USER", cfg.JournalConfig.User)
	cfg.JournalConfig.Password = getEnvOrDefault("JOURNAL_DB_PASSWORD", cfg.JournalConfig.Password)
	cfg.JournalConfig.Database = getEnvOrDefault("JOURNAL_DB_NAME", cfg.JournalConfig.Database)
	cfg.JournalConfig.SSLMode = getEnvOrDefault("JOURNAL_DB_SSLMODE", cfg.JournalConfig.SSLMode)

	// Vault
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)

	cfg.StrategyFile = getEnvOrDefault("STRATEGY_FILE", cfg.StrategyFile)
	cfg.LaneBufferSize = getEnvIntOrDefault("LANE_BUFFER_SIZE", cfg.LaneBufferSize)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.OrdersConfig.MaxTracked <= 0 {
		return fmt.Errorf("config: orders.max_tracked must be positive")
	}
	if c.OrdersConfig.MaxRetries < 0 {
		return fmt.Errorf("config: orders.max_retries must not be negative")
	}
	if c.OrdersConfig.AttemptTimeout >= c.OrdersConfig.RetryBaseDelay {
		return fmt.Errorf("config: orders.attempt_timeout must be shorter than the retry base delay")
	}
	if c.PositionConfig.Interval <= 0 {
		return fmt.Errorf("config: position.interval must be positive")
	}
	if c.LaneBufferSize <= 0 {
		return fmt.Errorf("config: lane_buffer_size must be positive")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
