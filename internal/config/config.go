// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - LOG_FORMAT: json or text (default "json").
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - CACHE_BACKEND: memory or redis (default "memory").
//   - SESSION_BACKEND: memory or redis (default "memory").
//   - REDIS_ADDR, REDIS_PASSWORD, REDIS_DB: Redis connection, required when
//     either backend is redis.
//   - SESSION_TTL: checkout session lifetime (default "24h").
//   - CACHE_RESYNC_INTERVAL: safety-net cache refresh interval
//     (default "1m", must be > 0 if set).
//   - AUTH_RATE_LIMIT: failed admin auth attempts per minute per IP
//     (default "10").
//   - CHECKOUT_RATE_LIMIT: order submissions per minute per session
//     (default "6").
//   - RULES_SEED_PATH: YAML rule pack applied at startup when set.
//   - TUTORIAL_BOOKING_FEE: fee added by apply_tutorial_booking_fee
//     (default "5.00").
//   - ADMIN_HOSTNAME, TS_AUTH_KEY, TS_STATE_DIR: serve the admin API on a
//     tailnet listener as well.
//   - SESSION_COOKIE_SECURE: mark the checkout session cookie Secure
//     (default "true").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

const (
	defaultHTTPAddr                  = ":8080"
	defaultTSStateDir                = "tsnet-state"
	defaultAuthRateLimit             = 10
	defaultCheckoutRateLimit         = 6
	defaultMaxJSONBodySize     int64 = 1 << 20 // 1MB
	defaultCacheResyncInterval       = time.Minute
	defaultSessionTTL                = 24 * time.Hour
	defaultTutorialBookingFee        = "5.00"
)

// Config holds the runtime configuration for the rules service.
type Config struct {
	DatabaseURL         string
	HTTPAddr            string
	LogLevel            string
	LogFormat           string
	MaxJSONBodySize     int64
	CacheBackend        string
	SessionBackend      string
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	SessionTTL          time.Duration
	CacheResyncInterval time.Duration
	AuthRateLimit       int
	CheckoutRateLimit   int
	RulesSeedPath       string
	TutorialBookingFee  decimal.Decimal
	AdminHostname       string
	TSAuthKey           string
	TSStateDir          string
	SessionCookieSecure bool
}

// UsesRedis reports whether any component is configured for Redis.
func (c Config) UsesRedis() bool {
	return c.CacheBackend == BackendRedis || c.SessionBackend == BackendRedis
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	cacheBackend, err := parseBackend("CACHE_BACKEND")
	if err != nil {
		return Config{}, err
	}
	sessionBackend, err := parseBackend("SESSION_BACKEND")
	if err != nil {
		return Config{}, err
	}

	redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if (cacheBackend == BackendRedis || sessionBackend == BackendRedis) && redisAddr == "" {
		return Config{}, errors.New("REDIS_ADDR is required when a redis backend is selected")
	}

	redisDB := 0
	if v := strings.TrimSpace(os.Getenv("REDIS_DB")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, errors.New("REDIS_DB must be a non-negative integer")
		}
		redisDB = n
	}

	sessionTTL, err := positiveDuration("SESSION_TTL", defaultSessionTTL)
	if err != nil {
		return Config{}, err
	}
	cacheResyncInterval, err := positiveDuration("CACHE_RESYNC_INTERVAL", defaultCacheResyncInterval)
	if err != nil {
		return Config{}, err
	}

	authRateLimit, err := positiveInt("AUTH_RATE_LIMIT", defaultAuthRateLimit)
	if err != nil {
		return Config{}, err
	}
	checkoutRateLimit, err := positiveInt("CHECKOUT_RATE_LIMIT", defaultCheckoutRateLimit)
	if err != nil {
		return Config{}, err
	}

	fee, err := decimal.NewFromString(envOrDefault("TUTORIAL_BOOKING_FEE", defaultTutorialBookingFee))
	if err != nil {
		return Config{}, fmt.Errorf("parse TUTORIAL_BOOKING_FEE: %w", err)
	}
	if fee.IsNegative() {
		return Config{}, errors.New("TUTORIAL_BOOKING_FEE must be >= 0")
	}

	cookieSecure := true
	if v := strings.TrimSpace(os.Getenv("SESSION_COOKIE_SECURE")); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse SESSION_COOKIE_SECURE: %w", err)
		}
		cookieSecure = parsed
	}

	adminHostname := strings.TrimSpace(os.Getenv("ADMIN_HOSTNAME"))
	tsAuthKey := strings.TrimSpace(os.Getenv("TS_AUTH_KEY"))
	if adminHostname != "" && tsAuthKey == "" {
		return Config{}, errors.New("TS_AUTH_KEY is required when ADMIN_HOSTNAME is set")
	}

	return Config{
		DatabaseURL:         databaseURL,
		HTTPAddr:            envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("LOG_FORMAT", "json"),
		MaxJSONBodySize:     maxJSONBodySize,
		CacheBackend:        cacheBackend,
		SessionBackend:      sessionBackend,
		RedisAddr:           redisAddr,
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             redisDB,
		SessionTTL:          sessionTTL,
		CacheResyncInterval: cacheResyncInterval,
		AuthRateLimit:       authRateLimit,
		CheckoutRateLimit:   checkoutRateLimit,
		RulesSeedPath:       strings.TrimSpace(os.Getenv("RULES_SEED_PATH")),
		TutorialBookingFee:  fee,
		AdminHostname:       adminHostname,
		TSAuthKey:           tsAuthKey,
		TSStateDir:          envOrDefault("TS_STATE_DIR", defaultTSStateDir),
		SessionCookieSecure: cookieSecure,
	}, nil
}

func parseBackend(key string) (string, error) {
	switch v := strings.ToLower(envOrDefault(key, BackendMemory)); v {
	case BackendMemory, BackendRedis:
		return v, nil
	default:
		return "", fmt.Errorf("%s must be %q or %q, got %q", key, BackendMemory, BackendRedis, v)
	}
}

func positiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func positiveInt(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
