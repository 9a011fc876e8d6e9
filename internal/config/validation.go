package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// HasField reports whether any error refers to field
func (ve ValidationErrors) HasField(field string) bool {
	for _, err := range ve {
		if err.Field == field {
			return true
		}
	}
	return false
}

var (
	accountNumberPattern  = regexp.MustCompile(`^\d{8}$`)
	accountProductPattern = regexp.MustCompile(`^\d{2}$`)
)

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateBroker()...)
	errors = append(errors, c.validateGateway()...)
	errors = append(errors, c.validateOrders()...)
	errors = append(errors, c.validateMarket()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateRedis()...)
	errors = append(errors, c.validateNATS()...)
	errors = append(errors, c.validateAPI()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	validEnvs := []string{"development", "staging", "production"}
	if !contains(validEnvs, c.App.Environment) {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvs),
		})
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.App.LogLevel)); err != nil || c.App.LogLevel == "" {
		errors = append(errors, ValidationError{
			Field:   "app.log_level",
			Message: fmt.Sprintf("Invalid log level '%s' (debug, info, warn, error)", c.App.LogLevel),
		})
	}

	if c.App.LogFormat != "" && c.App.LogFormat != "json" && c.App.LogFormat != "console" {
		errors = append(errors, ValidationError{
			Field:   "app.log_format",
			Message: "Log format must be 'json' or 'console'",
		})
	}

	return errors
}

func (c *Config) validateBroker() ValidationErrors {
	var errors ValidationErrors
	b := c.Broker

	if !strings.HasPrefix(b.BaseURL, "http://") && !strings.HasPrefix(b.BaseURL, "https://") {
		errors = append(errors, ValidationError{
			Field:   "broker.base_url",
			Message: "Broker base URL must start with http:// or https://",
		})
	}

	if b.RefreshAfter <= 0 || b.RefreshAfter >= 24*time.Hour {
		errors = append(errors, ValidationError{
			Field:   "broker.refresh_after",
			Message: "Token refresh age must be between 0 and 24h",
		})
	}

	if b.RequestTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "broker.request_timeout",
			Message: "Request timeout must be positive",
		})
	}

	switch b.TokenStore {
	case "file":
		if b.TokenFile == "" {
			errors = append(errors, ValidationError{
				Field:   "broker.token_file",
				Message: "Token file path is required when token_store is 'file'",
			})
		}
	case "redis":
		if b.TokenKey == "" {
			errors = append(errors, ValidationError{
				Field:   "broker.token_key",
				Message: "Token key is required when token_store is 'redis'",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "broker.token_store",
			Message: fmt.Sprintf("Invalid token store '%s'. Must be 'file' or 'redis'", b.TokenStore),
		})
	}

	// Credentials are only required against the real broker
	if b.PaperTrading {
		return errors
	}

	if b.AppKey == "" || IsPlaceholderValue(b.AppKey) {
		errors = append(errors, ValidationError{
			Field:   "broker.app_key",
			Message: "A real app key is required when paper_trading is disabled",
		})
	}
	if b.AppSecret == "" || IsPlaceholderValue(b.AppSecret) {
		errors = append(errors, ValidationError{
			Field:   "broker.app_secret",
			Message: "A real app secret is required when paper_trading is disabled",
		})
	}
	if !accountNumberPattern.MatchString(b.AccountNumber) {
		errors = append(errors, ValidationError{
			Field:   "broker.account_number",
			Message: "Account number must be exactly 8 digits",
		})
	}
	if !accountProductPattern.MatchString(b.AccountProduct) {
		errors = append(errors, ValidationError{
			Field:   "broker.account_product",
			Message: "Account product code must be exactly 2 digits",
		})
	}

	return errors
}

func (c *Config) validateGateway() ValidationErrors {
	var errors ValidationErrors
	g := c.Gateway

	if g.MinInterval < 0 {
		errors = append(errors, ValidationError{
			Field:   "gateway.min_interval",
			Message: "Minimum call interval cannot be negative",
		})
	}
	if g.MaxRetries < 0 || g.MaxRetries > 10 {
		errors = append(errors, ValidationError{
			Field:   "gateway.max_retries",
			Message: fmt.Sprintf("Max retries %d must be between 0 and 10", g.MaxRetries),
		})
	}
	if g.RetryDelay <= 0 {
		errors = append(errors, ValidationError{
			Field:   "gateway.retry_delay",
			Message: "Retry delay must be positive",
		})
	}
	if g.RateLimitEscalationFactor < 1 {
		errors = append(errors, ValidationError{
			Field:   "gateway.rate_limit_escalation_factor",
			Message: "Escalation factor must be at least 1",
		})
	}
	if g.Signer.FailureRatio <= 0 || g.Signer.FailureRatio > 1 {
		errors = append(errors, ValidationError{
			Field:   "gateway.signer.failure_ratio",
			Message: "Failure ratio must be in (0, 1]",
		})
	}

	return errors
}

func (c *Config) validateOrders() ValidationErrors {
	var errors ValidationErrors
	o := c.Orders

	positive := map[string]time.Duration{
		"orders.buy_timeout":      o.BuyTimeout,
		"orders.sell_timeout":     o.SellTimeout,
		"orders.monitor_interval": o.MonitorInterval,
		"orders.closed_interval":  o.ClosedInterval,
		"orders.error_backoff":    o.ErrorBackoff,
		"orders.unknown_timeout":  o.UnknownTimeout,
		"orders.sweeper_max_age":  o.SweeperMaxAge,
	}
	for _, field := range sortedKeys(positive) {
		if positive[field] <= 0 {
			errors = append(errors, ValidationError{
				Field:   field,
				Message: "Duration must be positive",
			})
		}
	}

	if o.BarMinutes < 1 || o.BarMinutes > 60 {
		errors = append(errors, ValidationError{
			Field:   "orders.bar_minutes",
			Message: "Bar width must be between 1 and 60 minutes",
		})
	}
	if o.BarTimeoutCount < 1 {
		errors = append(errors, ValidationError{
			Field:   "orders.bar_timeout_count",
			Message: "Bar timeout count must be at least 1",
		})
	}
	if o.SweeperWindow < 0 {
		errors = append(errors, ValidationError{
			Field:   "orders.sweeper_window",
			Message: "Sweeper window cannot be negative",
		})
	}
	if o.DemotionFloor <= 0 || o.DemotionFloor > o.DemotionBudget {
		errors = append(errors, ValidationError{
			Field:   "orders.demotion_floor",
			Message: "Demotion floor must be positive and no larger than demotion_budget",
		})
	}
	if o.MaxAdjustments < 0 {
		errors = append(errors, ValidationError{
			Field:   "orders.max_adjustments",
			Message: "Max adjustments cannot be negative",
		})
	}
	if o.Workers < 1 {
		errors = append(errors, ValidationError{
			Field:   "orders.workers",
			Message: "At least one worker is required",
		})
	}

	return errors
}

func (c *Config) validateMarket() ValidationErrors {
	var errors ValidationErrors

	if _, err := time.LoadLocation(c.Market.Timezone); err != nil || c.Market.Timezone == "" {
		errors = append(errors, ValidationError{
			Field:   "market.timezone",
			Message: fmt.Sprintf("Unknown timezone '%s'", c.Market.Timezone),
		})
	}

	open, errOpen := time.Parse("15:04", c.Market.Open)
	if errOpen != nil {
		errors = append(errors, ValidationError{
			Field:   "market.open",
			Message: "Market open must use HH:MM",
		})
	}
	closeAt, errClose := time.Parse("15:04", c.Market.Close)
	if errClose != nil {
		errors = append(errors, ValidationError{
			Field:   "market.close",
			Message: "Market close must use HH:MM",
		})
	}
	if errOpen == nil && errClose == nil && !open.Before(closeAt) {
		errors = append(errors, ValidationError{
			Field:   "market.close",
			Message: "Market close must be after market open",
		})
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	if !c.Database.Enabled {
		return errors
	}

	if c.Database.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "database.host",
			Message: "Database host is required",
		})
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Database.Port),
		})
	}
	if c.Database.Database == "" {
		errors = append(errors, ValidationError{
			Field:   "database.database",
			Message: "Database name is required",
		})
	}
	if c.Database.PoolSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.pool_size",
			Message: "Database pool size must be at least 1",
		})
	}
	if c.App.Environment == "production" && c.Database.Password == "" {
		errors = append(errors, ValidationError{
			Field:   "database.password",
			Message: "Database password is required in production",
		})
	}

	return errors
}

func (c *Config) validateRedis() ValidationErrors {
	var errors ValidationErrors

	if c.Broker.TokenStore != "redis" {
		return errors
	}

	if c.Redis.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "redis.host",
			Message: "Redis host is required for the redis token store",
		})
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "redis.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Redis.Port),
		})
	}

	return errors
}

func (c *Config) validateNATS() ValidationErrors {
	var errors ValidationErrors

	if !c.NATS.Enabled {
		return errors
	}

	if !strings.HasPrefix(c.NATS.URL, "nats://") {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL must start with 'nats://'",
		})
	}
	if c.NATS.Prefix == "" {
		errors = append(errors, ValidationError{
			Field:   "nats.prefix",
			Message: "NATS subject prefix is required",
		})
	}

	return errors
}

func (c *Config) validateAPI() ValidationErrors {
	var errors ValidationErrors

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errors = append(errors, ValidationError{
			Field:   "api.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.API.Port),
		})
	}

	if c.Monitoring.EnableMetrics && (c.Monitoring.PrometheusPort < 1 || c.Monitoring.PrometheusPort > 65535) {
		errors = append(errors, ValidationError{
			Field:   "monitoring.prometheus_port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Monitoring.PrometheusPort),
		})
	}

	if c.API.Enabled && c.Monitoring.EnableMetrics && c.API.Port == c.Monitoring.PrometheusPort {
		errors = append(errors, ValidationError{
			Field:   "monitoring.prometheus_port",
			Message: "Metrics port conflicts with api.port",
		})
	}

	if c.API.Enabled && c.API.Auth.Enabled {
		if len(c.API.Auth.Keys) == 0 {
			errors = append(errors, ValidationError{
				Field:   "api.auth.keys",
				Message: "Authentication is enabled but no keys are configured",
			})
		}
		for i, k := range c.API.Auth.Keys {
			if len(k.Hash) != 64 {
				errors = append(errors, ValidationError{
					Field:   fmt.Sprintf("api.auth.keys[%d].hash", i),
					Message: "Key hash must be a 64-character SHA-256 hex digest",
				})
			}
		}
	}

	return errors
}

// IsPlaceholderValue checks if a value is likely a placeholder
func IsPlaceholderValue(value string) bool {
	lowerValue := strings.ToLower(value)
	placeholders := []string{
		"your_app_key",
		"your_app_secret",
		"your_api_key",
		"your_secret",
		"changeme",
		"placeholder",
		"example",
		"sample",
	}

	for _, placeholder := range placeholders {
		if strings.Contains(lowerValue, placeholder) {
			return true
		}
	}

	return false
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
