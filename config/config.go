package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAPIURL      = "https://api.cloudconvert.com/v2"
	sandboxAPIURL      = "https://api.sandbox.cloudconvert.com/v2"
	QuotaBackendMemory = "memory"
	QuotaBackendRedis  = "redis"
)

type Config struct {
	Port            string
	AppEnv          string
	LogLevel        string
	ShutdownTimeout time.Duration

	APIKey       string
	APIURL       string
	APIRateLimit float64
	HTTPTimeout  time.Duration

	PollInterval      time.Duration
	PollMaxAttempts   int
	ConversionTimeout time.Duration

	QuotaLimit         int
	QuotaResetInterval time.Duration
	QuotaBackend       string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	MaxUploadSize      int64
	RateLimitPerMinute int
	CORSAllowedOrigins []string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first when present; real env vars win.
func Load() *Config {
	_ = godotenv.Load()

	apiURL := getEnv("CLOUDCONVERT_API_URL", "")
	if apiURL == "" {
		apiURL = defaultAPIURL
		if getEnvBool("CLOUDCONVERT_SANDBOX", false) {
			apiURL = sandboxAPIURL
		}
	}

	return &Config{
		Port:            getEnv("PORT", "3000"),
		AppEnv:          getEnv("APP_ENV", "production"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		APIKey:       getEnv("CLOUDCONVERT_API_KEY", ""),
		APIURL:       strings.TrimRight(apiURL, "/"),
		APIRateLimit: getEnvFloat("API_RATE_LIMIT", 5),
		HTTPTimeout:  getEnvDuration("HTTP_TIMEOUT", 60*time.Second),

		PollInterval:      getEnvDuration("POLL_INTERVAL", 2*time.Second),
		PollMaxAttempts:   getEnvInt("POLL_MAX_ATTEMPTS", 150),
		ConversionTimeout: getEnvDuration("CONVERSION_TIMEOUT", 300*time.Second),

		QuotaLimit:         getEnvInt("QUOTA_LIMIT", 10),
		QuotaResetInterval: getEnvDuration("QUOTA_RESET_INTERVAL", 24*time.Hour),
		QuotaBackend:       strings.ToLower(getEnv("QUOTA_BACKEND", QuotaBackendMemory)),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", ""),

		MaxUploadSize:      int64(getEnvInt("MAX_UPLOAD_SIZE", 100<<20)),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
	}
}

// Validate reports configuration the service must not start with.
func (c *Config) Validate() error {
	var errs []error
	if c.APIKey == "" {
		errs = append(errs, errors.New("CLOUDCONVERT_API_KEY is not set"))
	}
	if c.QuotaLimit <= 0 {
		errs = append(errs, fmt.Errorf("QUOTA_LIMIT must be positive, got %d", c.QuotaLimit))
	}
	if c.QuotaResetInterval <= 0 {
		errs = append(errs, fmt.Errorf("QUOTA_RESET_INTERVAL must be positive, got %s", c.QuotaResetInterval))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval))
	}
	if c.PollMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("POLL_MAX_ATTEMPTS must be positive, got %d", c.PollMaxAttempts))
	}
	if c.APIRateLimit <= 0 {
		errs = append(errs, fmt.Errorf("API_RATE_LIMIT must be positive, got %v", c.APIRateLimit))
	}
	switch c.QuotaBackend {
	case QuotaBackendMemory, QuotaBackendRedis:
	default:
		errs = append(errs, fmt.Errorf("QUOTA_BACKEND must be %q or %q, got %q",
			QuotaBackendMemory, QuotaBackendRedis, c.QuotaBackend))
	}
	return errors.Join(errs...)
}

// RedisKey prefixes key with the configured REDIS_PREFIX.
func (c *Config) RedisKey(key string) string {
	return applyPrefix(key, c.RedisPrefix)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("2s", "24h") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func applyPrefix(key string, prefix string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
