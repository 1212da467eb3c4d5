package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the root configuration for the trading admission plane.
// Loaded once at startup; never mutated at runtime.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Risk      RiskConfig      `yaml:"risk"`
	Safety    SafetyConfig    `yaml:"safety"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Broker    BrokerConfig    `yaml:"broker"`
	Store     StoreConfig     `yaml:"store"`
	Database  DatabaseConfig  `yaml:"database"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// SessionConfig defines the trading session window. Times are local
// exchange time in HH:MM (NSE: 09:15-15:30 IST).
type SessionConfig struct {
	Open  string `yaml:"open"`
	Close string `yaml:"close"`
}

// RiskConfig holds the immutable risk limits enforced by the risk tracker
type RiskConfig struct {
	Capital               float64       `yaml:"capital"`                  // Available trading capital
	MaxPositionSize       int           `yaml:"max_position_size"`        // Max |quantity| per position
	MaxDailyLoss          float64       `yaml:"max_daily_loss"`           // Daily realized loss cap
	MaxConcurrentPos      int           `yaml:"max_concurrent_positions"`
	MaxPositionsPerSymbol int           `yaml:"max_positions_per_symbol"`
	MaxExposurePct        float64       `yaml:"max_exposure_pct"`      // % of capital
	MaxSingleTradeSize    float64       `yaml:"max_single_trade_size"` // Notional ceiling per trade
	StopLossPct           float64       `yaml:"stop_loss_pct"`         // Per-position stop loss
	MaxDrawdownPct        float64       `yaml:"max_drawdown_pct"`
	ConcentrationPct      float64       `yaml:"concentration_pct"` // Max share of portfolio in one trade
	BreakerCooldown       time.Duration `yaml:"breaker_cooldown"`
}

// SafetyConfig holds thresholds for the safety controller state machine
type SafetyConfig struct {
	DuplicateWindow      time.Duration `yaml:"duplicate_window"`
	MinOrderInterval     time.Duration `yaml:"min_order_interval"`
	MaxOrdersPerMinute   int           `yaml:"max_orders_per_minute"`
	MaxOrderValue        float64       `yaml:"max_order_value"`
	MaxLots              int           `yaml:"max_lots"`
	MaxDailyLoss         float64       `yaml:"max_daily_loss"`
	ConsecutiveLossLimit int           `yaml:"consecutive_loss_limit"`
	PerPositionLossLimit float64       `yaml:"per_position_loss_limit"`
	BreakerCooldown      time.Duration `yaml:"breaker_cooldown"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	MaxNetworkFailures   int           `yaml:"max_network_failures"`
	MonitorInterval      time.Duration `yaml:"monitor_interval"`
}

// RateLimitConfig holds token bucket and sliding window limits
type RateLimitConfig struct {
	PerMinute int                 `yaml:"per_minute"` // Sustained rate, tokens/min
	PerHour   int                 `yaml:"per_hour"`   // Independent hourly ceiling
	Burst     int                 `yaml:"burst"`      // Token bucket capacity
	Overrides []RateLimitOverride `yaml:"overrides"`  // Endpoint-specific limits
}

// RateLimitOverride tightens limits for a path prefix. The longest matching
// prefix wins regardless of declaration order.
type RateLimitOverride struct {
	PathPrefix string `yaml:"path_prefix"`
	PerMinute  int    `yaml:"per_minute"`
	PerHour    int    `yaml:"per_hour"`
	Burst      int    `yaml:"burst"`
}

// BrokerConfig configures the broker client used by the gateway
type BrokerConfig struct {
	MaxOrderQuantity int           `yaml:"max_order_quantity"` // Iceberg chunk ceiling
	CallTimeout      time.Duration `yaml:"call_timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold"` // gobreaker trip count
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`   // gobreaker open duration
}

// StoreConfig configures the optional redis-backed state store
type StoreConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig configures the optional postgres trade ledger
type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// Default returns the safe baseline configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1", // Local-only by default
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Session: SessionConfig{
			Open:  "09:15",
			Close: "15:30",
		},
		Risk: RiskConfig{
			Capital:               500000,
			MaxPositionSize:       1800,
			MaxDailyLoss:          50000,
			MaxConcurrentPos:      3,
			MaxPositionsPerSymbol: 1,
			MaxExposurePct:        80,
			MaxSingleTradeSize:    100000,
			StopLossPct:           30,
			MaxDrawdownPct:        20,
			ConcentrationPct:      40,
			BreakerCooldown:       5 * time.Minute,
		},
		Safety: SafetyConfig{
			DuplicateWindow:      60 * time.Second,
			MinOrderInterval:     time.Second,
			MaxOrdersPerMinute:   10,
			MaxOrderValue:        200000,
			MaxLots:              50,
			MaxDailyLoss:         50000,
			ConsecutiveLossLimit: 3,
			PerPositionLossLimit: 20000,
			BreakerCooldown:      5 * time.Minute,
			HeartbeatInterval:    30 * time.Second,
			MaxNetworkFailures:   3,
			MonitorInterval:      time.Second,
		},
		RateLimit: RateLimitConfig{
			PerMinute: 60,
			PerHour:   1000,
			Burst:     10,
			Overrides: []RateLimitOverride{
				{PathPrefix: "/api/orders", PerMinute: 30, PerHour: 500, Burst: 5},
				{PathPrefix: "/api/backtest", PerMinute: 10, PerHour: 100, Burst: 2},
			},
		},
		Broker: BrokerConfig{
			MaxOrderQuantity: 900,
			CallTimeout:      30 * time.Second,
			FailureThreshold: 5,
			BreakerTimeout:   2 * time.Minute,
		},
		Store: StoreConfig{
			Enabled: false,
			Addr:    "localhost:6379",
		},
		Database: DatabaseConfig{
			Enabled: false,
		},
	}
}

// Load reads configuration from a YAML file, applying defaults for any
// section the file omits and environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %v", errs)
	}

	return cfg, nil
}

// applyEnvOverrides lets deployment environments override connection
// settings without editing the config file.
func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("TRADEGATE_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if portStr := os.Getenv("TRADEGATE_PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			cfg.Server.Port = p
		}
	}
	if dsn := os.Getenv("TRADEGATE_DB_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
		cfg.Database.Enabled = true
	}
	if addr := os.Getenv("TRADEGATE_REDIS_ADDR"); addr != "" {
		cfg.Store.Addr = addr
		cfg.Store.Enabled = true
	}
}

// Validate checks configuration for safety and consistency, returning all
// violations rather than stopping at the first.
func (c *Config) Validate() []string {
	var errors []string

	if c.Risk.Capital <= 0 {
		errors = append(errors, fmt.Sprintf("risk: capital %.2f must be positive", c.Risk.Capital))
	}
	if c.Risk.MaxPositionSize <= 0 {
		errors = append(errors, fmt.Sprintf("risk: max position size %d must be positive", c.Risk.MaxPositionSize))
	}
	if c.Risk.MaxDailyLoss <= 0 {
		errors = append(errors, fmt.Sprintf("risk: max daily loss %.2f must be positive", c.Risk.MaxDailyLoss))
	}
	if c.Risk.MaxConcurrentPos < 1 || c.Risk.MaxConcurrentPos > 100 {
		errors = append(errors, fmt.Sprintf("risk: max concurrent positions %d outside [1, 100] range", c.Risk.MaxConcurrentPos))
	}
	if c.Risk.MaxPositionsPerSymbol < 1 {
		errors = append(errors, fmt.Sprintf("risk: max positions per symbol %d must be at least 1", c.Risk.MaxPositionsPerSymbol))
	}
	if c.Risk.MaxExposurePct <= 0 || c.Risk.MaxExposurePct > 100 {
		errors = append(errors, fmt.Sprintf("risk: max exposure %.1f%% outside (0%%, 100%%] range", c.Risk.MaxExposurePct))
	}
	if c.Risk.StopLossPct <= 0 || c.Risk.StopLossPct > 100 {
		errors = append(errors, fmt.Sprintf("risk: stop loss %.1f%% outside (0%%, 100%%] range", c.Risk.StopLossPct))
	}
	if c.Risk.ConcentrationPct <= 0 || c.Risk.ConcentrationPct > 100 {
		errors = append(errors, fmt.Sprintf("risk: concentration limit %.1f%% outside (0%%, 100%%] range", c.Risk.ConcentrationPct))
	}

	if c.Safety.DuplicateWindow <= 0 {
		errors = append(errors, "safety: duplicate window must be positive")
	}
	if c.Safety.MaxOrdersPerMinute < 1 {
		errors = append(errors, fmt.Sprintf("safety: max orders per minute %d must be at least 1", c.Safety.MaxOrdersPerMinute))
	}
	if c.Safety.HeartbeatInterval <= 0 {
		errors = append(errors, "safety: heartbeat interval must be positive")
	}
	if c.Safety.MaxNetworkFailures < 1 {
		errors = append(errors, fmt.Sprintf("safety: max network failures %d must be at least 1", c.Safety.MaxNetworkFailures))
	}

	if c.RateLimit.PerMinute < 1 {
		errors = append(errors, fmt.Sprintf("rate_limit: per minute %d must be at least 1", c.RateLimit.PerMinute))
	}
	if c.RateLimit.PerHour < c.RateLimit.PerMinute {
		errors = append(errors, fmt.Sprintf("rate_limit: per hour %d below per minute %d", c.RateLimit.PerHour, c.RateLimit.PerMinute))
	}
	if c.RateLimit.Burst < 1 {
		errors = append(errors, fmt.Sprintf("rate_limit: burst %d must be at least 1", c.RateLimit.Burst))
	}
	for _, ov := range c.RateLimit.Overrides {
		if ov.PathPrefix == "" {
			errors = append(errors, "rate_limit: override with empty path prefix")
		}
		if ov.PerMinute < 1 {
			errors = append(errors, fmt.Sprintf("rate_limit: override %s per minute %d must be at least 1", ov.PathPrefix, ov.PerMinute))
		}
	}

	if c.Broker.MaxOrderQuantity < 1 {
		errors = append(errors, fmt.Sprintf("broker: max order quantity %d must be at least 1", c.Broker.MaxOrderQuantity))
	}

	if _, _, err := ParseSessionTime(c.Session.Open); err != nil {
		errors = append(errors, fmt.Sprintf("session: invalid open time %q", c.Session.Open))
	}
	if _, _, err := ParseSessionTime(c.Session.Close); err != nil {
		errors = append(errors, fmt.Sprintf("session: invalid close time %q", c.Session.Close))
	}

	return errors
}

// ParseSessionTime parses an HH:MM session boundary.
func ParseSessionTime(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}

// Save writes configuration to a YAML file.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
