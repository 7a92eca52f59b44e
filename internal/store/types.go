package store

import "time"

const (
	DefaultTimeout         = 5 * time.Second
	DefaultBreakerFailures = 3
	DefaultBreakerTimeout  = 60 * time.Second
)

// Config describes how the Timestamp Store is reached.
type Config struct {
	DSN string `toml:"dsn" mapstructure:"dsn" json:"dsn"`
	// Timeout bounds every single call.
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout" json:"timeout"`
	// BreakerFailures consecutive failures open the circuit for BreakerTimeout.
	BreakerFailures uint32        `toml:"breaker_failures" mapstructure:"breaker_failures" json:"breaker_failures"`
	BreakerTimeout  time.Duration `toml:"breaker_timeout" mapstructure:"breaker_timeout" json:"breaker_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = DefaultBreakerFailures
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = DefaultBreakerTimeout
	}
	return c
}
