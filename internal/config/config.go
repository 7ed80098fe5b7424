// Package config loads the gateway's settings from the environment. It
// names every env var except GATEWAY_ROUTES_FILE (read by cmd/gateway),
// covering the shared store, JWT secret, rate limit and circuit breaker
// tunables, upstream timeout, and logging options.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the complete set of gateway settings.
type Config struct {
	ListenAddr string `env:"GATEWAY_LISTEN_ADDR" envDefault:":8080"`

	RedisURL  string `env:"GATEWAY_REDIS_URL,required"`
	JWTSecret string `env:"GATEWAY_JWT_SECRET,required"`

	RateLimitRequests      int     `env:"RATE_LIMIT_REQUESTS" envDefault:"100"`
	RateLimitWindowSeconds int     `env:"RATE_LIMIT_WINDOW_SECONDS" envDefault:"60"`
	TokenBucketCapacity    int     `env:"TOKEN_BUCKET_CAPACITY" envDefault:"50"`
	TokenBucketRefillRate  float64 `env:"TOKEN_BUCKET_REFILL_RATE" envDefault:"10"`

	CircuitFailureThreshold int           `env:"CIRCUIT_FAILURE_THRESHOLD" envDefault:"5"`
	CircuitRecoveryTimeout  time.Duration `env:"CIRCUIT_RECOVERY_TIMEOUT" envDefault:"30s"`
	CircuitHalfOpenRequests int           `env:"CIRCUIT_HALF_OPEN_REQUESTS" envDefault:"3"`

	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"10s"`
	JWTLeeway       time.Duration `env:"JWT_LEEWAY" envDefault:"5s"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"LOG_JSON" envDefault:"false"`
}

// Load reads a .env file if present (silently ignored if absent, per
// joho/godotenv's convention) and then parses the process environment into
// a Config. Missing required fields produce an error the caller should
// treat as a fatal startup error.
func Load() (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse configuration: %w", err)
	}

	return cfg, nil
}
