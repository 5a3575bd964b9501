// Package config loads server settings from the environment, optionally
// seeded from a .env file, and fills in safe defaults.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the server configuration settings.
type Config struct {
	Addr           string
	DSN            string
	JWTSecret      string
	RedisAddr      string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	HistoryLimit   int
	SendBuffer     int
	LogLevel       string
	Env            string
}

// RateLimitConfig bounds inbound socket events per connection.
type RateLimitConfig struct {
	Burst     int
	PerSecond float64
}

var (
	ErrMissingDSN    = errors.New("DB_DSN is not set")
	ErrMissingSecret = errors.New("JWT_SECRET is not set")
)

func Default() Config {
	return Config{
		Addr:           ":8080",
		RedisAddr:      "localhost:6379",
		AllowedOrigins: []string{"http://localhost:3000"},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:     10,
			PerSecond: 5,
		},
		HistoryLimit: 50,
		SendBuffer:   256,
		LogLevel:     "info",
		Env:          "production",
	}
}

// Load reads the given .env files (missing files are ignored), then the
// environment. Required settings are checked last.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		// Existing environment variables win over the file.
		_ = godotenv.Load(f)
	}
	cfg := FromEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a Config from lookup, falling back to defaults for unset or
// unparsable values.
func FromEnv(lookup func(string) (string, bool)) *Config {
	cfg := Default()
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	if v := get("ADDR"); v != "" {
		cfg.Addr = v
	}
	cfg.DSN = get("DB_DSN")
	cfg.JWTSecret = get("JWT_SECRET")
	if v := get("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := get("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = parseOrigins(v)
	}
	cfg.MaxMessageSize = int64(parsePositiveInt(get("MAX_MESSAGE_SIZE"), int(cfg.MaxMessageSize)))
	cfg.RateLimit.Burst = parsePositiveInt(get("RATE_LIMIT_BURST"), cfg.RateLimit.Burst)
	cfg.RateLimit.PerSecond = parsePositiveFloat(get("RATE_LIMIT_PER_SECOND"), cfg.RateLimit.PerSecond)
	cfg.HistoryLimit = parsePositiveInt(get("HISTORY_LIMIT"), cfg.HistoryLimit)
	cfg.SendBuffer = parsePositiveInt(get("SEND_BUFFER"), cfg.SendBuffer)
	if v := get("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := get("APP_ENV"); v != "" {
		cfg.Env = strings.ToLower(v)
	}
	return &cfg
}

func (c *Config) Validate() error {
	if c.DSN == "" {
		return ErrMissingDSN
	}
	if c.JWTSecret == "" {
		return ErrMissingSecret
	}
	return nil
}

func (c *Config) IsDevelopment() bool { return c.Env == "development" }

// Logger builds the process logger: console output in development, JSON
// otherwise. Unknown levels fall back to info.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc := zap.NewProductionConfig()
	if c.IsDevelopment() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func parseOrigins(origins string) []string {
	var out []string
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func parsePositiveInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func parsePositiveFloat(raw string, fallback float64) float64 {
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
