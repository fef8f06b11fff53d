package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/dashboard-cache/pkg/cache"
	"github.com/Sternrassler/dashboard-cache/pkg/invalidation"
	"github.com/Sternrassler/dashboard-cache/pkg/logging"
)

// config is the gateway configuration read from the environment.
type config struct {
	Port       string
	BackendURL string
	UserAgent  string

	// RedisAddr enables the shared offline store, connectivity state and
	// invalidation relay. Empty keeps everything in process.
	RedisAddr           string
	InvalidationChannel string

	LogLevel  logging.LogLevel
	LogPretty bool

	DefaultTTL    time.Duration
	TTLOverrides  map[string]time.Duration
	SweepInterval time.Duration

	MaxAttempts   int
	WarmEndpoints []string
}

// loadConfig reads the configuration through getenv (os.Getenv in main).
func loadConfig(getenv func(string) string) (config, error) {
	env := func(key, defaultValue string) string {
		if value := strings.TrimSpace(getenv(key)); value != "" {
			return value
		}
		return defaultValue
	}

	cfg := config{
		Port:                env("PORT", "8080"),
		BackendURL:          env("BACKEND_URL", "http://localhost:3001"),
		UserAgent:           env("USER_AGENT", "dashboard-cache/0.1.0"),
		RedisAddr:           env("REDIS_ADDR", ""),
		InvalidationChannel: env("INVALIDATION_CHANNEL", invalidation.DefaultChannel),
	}

	var err error
	if cfg.LogLevel, err = logging.ParseLevel(env("LOG_LEVEL", "info")); err != nil {
		return config{}, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if cfg.LogPretty, err = strconv.ParseBool(env("LOG_PRETTY", "false")); err != nil {
		return config{}, fmt.Errorf("LOG_PRETTY: %w", err)
	}
	if cfg.DefaultTTL, err = parseDuration(env("DEFAULT_TTL", ""), cache.DefaultTTL); err != nil {
		return config{}, fmt.Errorf("DEFAULT_TTL: %w", err)
	}
	if cfg.SweepInterval, err = parseDuration(env("SWEEP_INTERVAL", ""), cache.DefaultSweepInterval); err != nil {
		return config{}, fmt.Errorf("SWEEP_INTERVAL: %w", err)
	}
	if cfg.TTLOverrides, err = cache.ParseOverrides(env("TTL_OVERRIDES", "")); err != nil {
		return config{}, fmt.Errorf("TTL_OVERRIDES: %w", err)
	}
	if cfg.MaxAttempts, err = strconv.Atoi(env("MAX_ATTEMPTS", "1")); err != nil || cfg.MaxAttempts < 1 {
		return config{}, fmt.Errorf("MAX_ATTEMPTS must be a positive integer")
	}

	for _, endpoint := range strings.Split(env("WARM_ENDPOINTS", ""), ",") {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			cfg.WarmEndpoints = append(cfg.WarmEndpoints, endpoint)
		}
	}

	return cfg, nil
}

// policy builds the TTL policy: the dashboard table with the configured
// default and overrides layered on top.
func (c config) policy() cache.Policy {
	return cache.DefaultPolicy().WithDefault(c.DefaultTTL).WithOverrides(c.TTLOverrides)
}

func parseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive (got %s)", value)
	}
	return d, nil
}
