package server

import (
	"fmt"
	"time"
)

// Config holds the server configuration. Unmarshalled from the "server"
// configuration section.
type Config struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	JWTSecret      string        `mapstructure:"jwt_secret"` //nolint:gosec // G101: config field name, not a credential
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	TrustProxy     bool          `mapstructure:"trust_proxy"` // Key the rate limiter by X-Forwarded-For
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		TokenTTL:       12 * time.Hour,
		RateLimitRPS:   50,
		RateLimitBurst: 100,
	}
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
