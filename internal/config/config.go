// Package config loads the server configuration from environment
// variables (with an optional .env file) via Viper.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the payment flow server.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`

	RedisURL        string `mapstructure:"REDIS_URL"`
	FlowStorePrefix string `mapstructure:"FLOW_STORE_PREFIX"`

	FallbackMode            string `mapstructure:"FALLBACK_MODE"`
	FallbackMaxAttempts     int    `mapstructure:"FALLBACK_MAX_ATTEMPTS"`
	MaxAutoFallbacks        int    `mapstructure:"MAX_AUTO_FALLBACKS"`
	UserResponseTimeoutSecs int    `mapstructure:"USER_RESPONSE_TIMEOUT_SECONDS"`
	AutoFallbackDelayMs     int    `mapstructure:"AUTO_FALLBACK_DELAY_MS"`

	CircuitFailureThreshold int `mapstructure:"CIRCUIT_FAILURE_THRESHOLD"`
	CircuitFailureWindowMs  int `mapstructure:"CIRCUIT_FAILURE_WINDOW_MS"`
	CircuitResetTimeoutMs   int `mapstructure:"CIRCUIT_RESET_TIMEOUT_MS"`
	CircuitSuccessThreshold int `mapstructure:"CIRCUIT_SUCCESS_THRESHOLD"`

	RateLimitMaxRequests int  `mapstructure:"RATE_LIMIT_MAX_REQUESTS"`
	RateLimitWindowMs    int  `mapstructure:"RATE_LIMIT_WINDOW_MS"`
	RateLimitPerEndpoint bool `mapstructure:"RATE_LIMIT_PER_ENDPOINT"`

	RetryMaxRetries     int     `mapstructure:"RETRY_MAX_RETRIES"`
	RetryInitialDelayMs int     `mapstructure:"RETRY_INITIAL_DELAY_MS"`
	RetryMaxDelayMs     int     `mapstructure:"RETRY_MAX_DELAY_MS"`
	RetryJitterFactor   float64 `mapstructure:"RETRY_JITTER_FACTOR"`

	PollBaseDelayMs  int `mapstructure:"POLL_BASE_DELAY_MS"`
	PollMaxDelayMs   int `mapstructure:"POLL_MAX_DELAY_MS"`
	PollMaxAttempts  int `mapstructure:"POLL_MAX_ATTEMPTS"`
	StatusMaxRetries int `mapstructure:"STATUS_MAX_RETRIES"`

	FlowTTLMinutes int `mapstructure:"FLOW_TTL_MINUTES"`
}

// LoadConfig reads configuration from the environment, falling back to an
// optional .env file under path.
func LoadConfig(path string) (Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("FALLBACK_MODE", "manual")
	viper.SetDefault("FALLBACK_MAX_ATTEMPTS", 3)
	viper.SetDefault("MAX_AUTO_FALLBACKS", 1)
	viper.SetDefault("USER_RESPONSE_TIMEOUT_SECONDS", 30)
	viper.SetDefault("AUTO_FALLBACK_DELAY_MS", 2000)
	viper.SetDefault("CIRCUIT_FAILURE_THRESHOLD", 5)
	viper.SetDefault("CIRCUIT_FAILURE_WINDOW_MS", 60000)
	viper.SetDefault("CIRCUIT_RESET_TIMEOUT_MS", 30000)
	viper.SetDefault("CIRCUIT_SUCCESS_THRESHOLD", 2)
	viper.SetDefault("RATE_LIMIT_MAX_REQUESTS", 20)
	viper.SetDefault("RATE_LIMIT_WINDOW_MS", 1000)
	viper.SetDefault("RATE_LIMIT_PER_ENDPOINT", true)
	viper.SetDefault("RETRY_MAX_RETRIES", 3)
	viper.SetDefault("RETRY_INITIAL_DELAY_MS", 500)
	viper.SetDefault("RETRY_MAX_DELAY_MS", 10000)
	viper.SetDefault("RETRY_JITTER_FACTOR", 0.2)
	viper.SetDefault("POLL_BASE_DELAY_MS", 2000)
	viper.SetDefault("POLL_MAX_DELAY_MS", 15000)
	viper.SetDefault("POLL_MAX_ATTEMPTS", 8)
	viper.SetDefault("STATUS_MAX_RETRIES", 3)
	viper.SetDefault("FLOW_TTL_MINUTES", 30)

	if err := viper.ReadInConfig(); err != nil {
		// The .env file is optional; anything else is a real error.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// UserResponseTimeout returns the manual fallback timeout as a duration.
func (c Config) UserResponseTimeout() time.Duration {
	return time.Duration(c.UserResponseTimeoutSecs) * time.Second
}

// AutoFallbackDelay returns the auto fallback delay as a duration.
func (c Config) AutoFallbackDelay() time.Duration {
	return time.Duration(c.AutoFallbackDelayMs) * time.Millisecond
}
