package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Orders     OrdersConfig     `mapstructure:"orders"`
	Market     MarketConfig     `mapstructure:"market"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	API        APIConfig        `mapstructure:"api"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // json or console
}

// BrokerConfig contains brokerage REST API credentials and token persistence
type BrokerConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	AppKey         string        `mapstructure:"app_key"`
	AppSecret      string        `mapstructure:"app_secret"`
	AccountNumber  string        `mapstructure:"account_number"`  // first 8 digits
	AccountProduct string        `mapstructure:"account_product"` // trailing 2 digits
	CustomerType   string        `mapstructure:"customer_type"`   // "P" for personal
	TokenStore     string        `mapstructure:"token_store"`     // "file" or "redis"
	TokenFile      string        `mapstructure:"token_file"`
	TokenKey       string        `mapstructure:"token_key"`
	RefreshAfter   time.Duration `mapstructure:"refresh_after"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PaperTrading   bool          `mapstructure:"paper_trading"`
}

// GatewayConfig contains pacing and retry settings for broker calls
type GatewayConfig struct {
	MinInterval                  time.Duration        `mapstructure:"min_interval"`
	MaxRetries                   int                  `mapstructure:"max_retries"`
	RetryDelay                   time.Duration        `mapstructure:"retry_delay"`
	RateLimitEscalationThreshold int                  `mapstructure:"rate_limit_escalation_threshold"`
	RateLimitEscalationFactor    float64              `mapstructure:"rate_limit_escalation_factor"`
	Signer                       CircuitBreakerConfig `mapstructure:"signer"`
}

// CircuitBreakerConfig contains circuit breaker thresholds for one dependency
type CircuitBreakerConfig struct {
	MinRequests     uint32        `mapstructure:"min_requests"`
	FailureRatio    float64       `mapstructure:"failure_ratio"`
	OpenTimeout     time.Duration `mapstructure:"open_timeout"`
	HalfOpenMaxReqs uint32        `mapstructure:"half_open_max_requests"`
	CountInterval   time.Duration `mapstructure:"count_interval"`
}

// OrdersConfig contains order lifecycle timing
type OrdersConfig struct {
	BuyTimeout      time.Duration `mapstructure:"buy_timeout"`
	SellTimeout     time.Duration `mapstructure:"sell_timeout"`
	BarMinutes      int           `mapstructure:"bar_minutes"`
	BarTimeoutCount int           `mapstructure:"bar_timeout_count"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	ClosedInterval  time.Duration `mapstructure:"closed_interval"`
	ErrorBackoff    time.Duration `mapstructure:"error_backoff"`
	UnknownTimeout  time.Duration `mapstructure:"unknown_timeout"`
	SweeperWindow   int           `mapstructure:"sweeper_window"`
	SweeperMaxAge   time.Duration `mapstructure:"sweeper_max_age"`
	DemotionBudget  time.Duration `mapstructure:"demotion_budget"`
	DemotionFloor   time.Duration `mapstructure:"demotion_floor"`
	MaxAdjustments  int           `mapstructure:"max_adjustments"`
	Workers         int           `mapstructure:"workers"`
}

// MarketConfig contains the regular session of the exchange
type MarketConfig struct {
	Timezone string `mapstructure:"timezone"`
	Open     string `mapstructure:"open"`  // HH:MM
	Close    string `mapstructure:"close"` // HH:MM
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains NATS messaging settings
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Prefix  string `mapstructure:"prefix"`
}

// APIConfig contains REST API settings
type APIConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	Auth    APIAuthConfig `mapstructure:"auth"`
}

// APIAuthConfig controls API key authentication of the REST surface
type APIAuthConfig struct {
	Enabled    bool           `mapstructure:"enabled"`
	HeaderName string         `mapstructure:"header_name"`
	Keys       []APIKeyConfig `mapstructure:"keys"`
}

// APIKeyConfig is one accepted key. Only the SHA-256 hex digest is stored.
type APIKeyConfig struct {
	Name        string   `mapstructure:"name"`
	Hash        string   `mapstructure:"hash"`
	Permissions []string `mapstructure:"permissions"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// BROKERCORE_BROKER_APP_KEY overrides broker.app_key
	v.SetEnvPrefix("BROKERCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "BrokerCore")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Broker defaults
	v.SetDefault("broker.base_url", "https://openapi.koreainvestment.com:9443")
	v.SetDefault("broker.account_product", "01")
	v.SetDefault("broker.customer_type", "P")
	v.SetDefault("broker.token_store", "file")
	v.SetDefault("broker.token_file", "./data/token.yaml")
	v.SetDefault("broker.token_key", "brokercore:token")
	v.SetDefault("broker.refresh_after", 23*time.Hour)
	v.SetDefault("broker.request_timeout", 10*time.Second)
	v.SetDefault("broker.paper_trading", true)

	// Gateway defaults: 60ms keeps us near 16 calls/sec under the 20/sec ceiling
	v.SetDefault("gateway.min_interval", 60*time.Millisecond)
	v.SetDefault("gateway.max_retries", 3)
	v.SetDefault("gateway.retry_delay", 1500*time.Millisecond)
	v.SetDefault("gateway.rate_limit_escalation_threshold", 10)
	v.SetDefault("gateway.rate_limit_escalation_factor", 1.5)
	v.SetDefault("gateway.signer.min_requests", 3)
	v.SetDefault("gateway.signer.failure_ratio", 0.6)
	v.SetDefault("gateway.signer.open_timeout", 30*time.Second)
	v.SetDefault("gateway.signer.half_open_max_requests", 1)
	v.SetDefault("gateway.signer.count_interval", 60*time.Second)

	// Order lifecycle defaults
	v.SetDefault("orders.buy_timeout", 180*time.Second)
	v.SetDefault("orders.sell_timeout", 120*time.Second)
	v.SetDefault("orders.bar_minutes", 3)
	v.SetDefault("orders.bar_timeout_count", 4)
	v.SetDefault("orders.monitor_interval", 3*time.Second)
	v.SetDefault("orders.closed_interval", 60*time.Second)
	v.SetDefault("orders.error_backoff", 10*time.Second)
	v.SetDefault("orders.unknown_timeout", 5*time.Minute)
	v.SetDefault("orders.sweeper_window", 10)
	v.SetDefault("orders.sweeper_max_age", 10*time.Minute)
	v.SetDefault("orders.demotion_budget", 180*time.Second)
	v.SetDefault("orders.demotion_floor", 30*time.Second)
	v.SetDefault("orders.max_adjustments", 0)
	v.SetDefault("orders.workers", 4)

	// Market defaults (KRX regular session)
	v.SetDefault("market.timezone", "Asia/Seoul")
	v.SetDefault("market.open", "09:00")
	v.SetDefault("market.close", "15:30")

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "brokercore")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.prefix", "brokercore")

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)
	v.SetDefault("api.auth.enabled", false)
	v.SetDefault("api.auth.header_name", "X-API-Key")

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetURL returns the PostgreSQL connection URL (used by lib/pq and pgxpool)
func (c *DatabaseConfig) GetURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Location loads the market time zone, falling back to a fixed KST offset
// when the tz database is unavailable on the host.
func (c *MarketConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}
