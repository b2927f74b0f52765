// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxPoolSize       = 20
	maxWaitBudget     = 10 * time.Minute
	maxRequestTimeout = 15 * time.Minute
	maxShutdownGrace  = 5 * time.Minute
	minPollInterval   = 10 * time.Millisecond
	maxPollInterval   = 5 * time.Second
)

// Config holds the render service configuration.
// Configuration is loaded from environment variables at startup. Backend
// selection lives in Settings and is validated by Resolve.
type Config struct {
	// Server settings
	Host string
	Port int

	// Backend settings file (YAML), overlaid by RENDER_* variables
	SettingsFile string

	// Pool settings
	PoolSize           int
	PoolAcquireTimeout time.Duration
	SessionMaxAge      time.Duration

	// Timeouts
	DefaultWaitBudget time.Duration
	MaxWaitBudget     time.Duration
	RequestTimeout    time.Duration
	ShutdownGrace     time.Duration
	WaitPollInterval  time.Duration

	// Security
	APIKeyEnabled    bool
	APIKey           string
	RateLimitEnabled bool
	RateLimitRPM     int  // Render requests per minute per client
	TrustProxy       bool // Trust X-Forwarded-For and X-Real-IP for client identity
	// AllowPrivateTargets lets the HTTP API render loopback, private-network,
	// file: and data: URLs.
	AllowPrivateTargets bool

	// Logging
	LogLevel string

	// Metrics
	PrometheusEnabled bool
	PrometheusPort    int

	// Wait presets
	PresetsPath      string // Path to external presets.yaml override file
	PresetsHotReload bool   // Enable file watching for hot-reload of presets
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Server - default to localhost so the service is not exposed by accident
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 8192),

		SettingsFile: getEnvString("RENDER_SETTINGS_FILE", ""),

		// Pool - a single session serializes every request
		PoolSize:           getEnvInt("POOL_SIZE", 1),
		PoolAcquireTimeout: getEnvDuration("POOL_ACQUIRE_TIMEOUT", 30*time.Second),
		SessionMaxAge:      getEnvDuration("SESSION_MAX_AGE", 30*time.Minute),

		// Timeouts
		DefaultWaitBudget: getEnvDuration("DEFAULT_WAIT_BUDGET", 10*time.Second),
		MaxWaitBudget:     getEnvDuration("MAX_WAIT_BUDGET", 120*time.Second),
		RequestTimeout:    getEnvDuration("REQUEST_TIMEOUT", 180*time.Second),
		ShutdownGrace:     getEnvDuration("SHUTDOWN_GRACE", 10*time.Second),
		WaitPollInterval:  getEnvDuration("WAIT_POLL_INTERVAL", 200*time.Millisecond),

		// Security
		APIKeyEnabled:    getEnvBool("API_KEY_ENABLED", false),
		APIKey:           getEnvString("API_KEY", ""),
		RateLimitEnabled: getEnvBool("RATE_LIMIT_ENABLED", false),
		RateLimitRPM:     getEnvInt("RATE_LIMIT_RPM", 60),
		TrustProxy:       getEnvBool("TRUST_PROXY", false),

		AllowPrivateTargets: getEnvBool("ALLOW_PRIVATE_TARGETS", false),

		// Logging
		LogLevel: getEnvString("LOG_LEVEL", "info"),

		// Metrics
		PrometheusEnabled: getEnvBool("PROMETHEUS_ENABLED", false),
		PrometheusPort:    getEnvInt("PROMETHEUS_PORT", 9192),

		// Presets
		PresetsPath:      getEnvString("PRESETS_PATH", ""),
		PresetsHotReload: getEnvBool("PRESETS_HOT_RELOAD", false),
	}
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	// Port validation - allow 0 for system-assigned ports
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8192")
		c.Port = 8192
	}

	if c.PoolSize < 1 {
		log.Warn().Int("size", c.PoolSize).Msg("Invalid pool size, using 1")
		c.PoolSize = 1
	} else if c.PoolSize > maxPoolSize {
		log.Warn().
			Int("size", c.PoolSize).
			Int("max", maxPoolSize).
			Msg("Pool size too large, capping to maximum")
		c.PoolSize = maxPoolSize
	}

	const minAcquireTimeout = 1 * time.Second
	const maxAcquireTimeout = 5 * time.Minute
	if c.PoolAcquireTimeout < minAcquireTimeout {
		log.Warn().
			Dur("timeout", c.PoolAcquireTimeout).
			Dur("min", minAcquireTimeout).
			Msg("Pool acquire timeout too short, using minimum")
		c.PoolAcquireTimeout = minAcquireTimeout
	} else if c.PoolAcquireTimeout > maxAcquireTimeout {
		log.Warn().
			Dur("timeout", c.PoolAcquireTimeout).
			Dur("max", maxAcquireTimeout).
			Msg("Pool acquire timeout too long, using maximum")
		c.PoolAcquireTimeout = maxAcquireTimeout
	}

	const minSessionAge = 1 * time.Minute
	if c.SessionMaxAge < minSessionAge {
		log.Warn().
			Dur("age", c.SessionMaxAge).
			Dur("min", minSessionAge).
			Msg("Session max age too short, using minimum")
		c.SessionMaxAge = minSessionAge
	}

	// Validate MaxWaitBudget first so DefaultWaitBudget can be clamped against it
	if c.MaxWaitBudget < time.Second {
		log.Warn().Dur("budget", c.MaxWaitBudget).Msg("Max wait budget too short, using 120s")
		c.MaxWaitBudget = 120 * time.Second
	}
	if c.MaxWaitBudget > maxWaitBudget {
		log.Warn().
			Dur("budget", c.MaxWaitBudget).
			Dur("max", maxWaitBudget).
			Msg("Max wait budget too high, capping to maximum")
		c.MaxWaitBudget = maxWaitBudget
	}
	if c.DefaultWaitBudget > c.MaxWaitBudget {
		log.Warn().
			Dur("default", c.DefaultWaitBudget).
			Dur("max", c.MaxWaitBudget).
			Msg("Default wait budget exceeds max wait budget, adjusting to max")
		c.DefaultWaitBudget = c.MaxWaitBudget
	}

	if c.RequestTimeout < c.MaxWaitBudget {
		log.Warn().
			Dur("timeout", c.RequestTimeout).
			Dur("max_wait", c.MaxWaitBudget).
			Msg("Request timeout shorter than max wait budget, waits may be cut short")
	}
	if c.RequestTimeout > maxRequestTimeout {
		log.Warn().
			Dur("timeout", c.RequestTimeout).
			Dur("max", maxRequestTimeout).
			Msg("Request timeout too high, capping to maximum")
		c.RequestTimeout = maxRequestTimeout
	}

	if c.ShutdownGrace > maxShutdownGrace {
		log.Warn().
			Dur("grace", c.ShutdownGrace).
			Dur("max", maxShutdownGrace).
			Msg("Shutdown grace too long, capping to maximum")
		c.ShutdownGrace = maxShutdownGrace
	}

	if c.WaitPollInterval < minPollInterval {
		log.Warn().
			Dur("interval", c.WaitPollInterval).
			Dur("min", minPollInterval).
			Msg("Wait poll interval too short, using minimum")
		c.WaitPollInterval = minPollInterval
	} else if c.WaitPollInterval > maxPollInterval {
		log.Warn().
			Dur("interval", c.WaitPollInterval).
			Dur("max", maxPollInterval).
			Msg("Wait poll interval too long, using maximum")
		c.WaitPollInterval = maxPollInterval
	}

	if c.APIKeyEnabled && c.APIKey == "" {
		log.Error().Msg("API_KEY_ENABLED set without API_KEY, disabling API key authentication")
		c.APIKeyEnabled = false
	}
	if c.RateLimitEnabled && c.RateLimitRPM < 1 {
		log.Warn().Int("rpm", c.RateLimitRPM).Msg("Invalid rate limit, using 60 requests per minute")
		c.RateLimitRPM = 60
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	if c.PrometheusEnabled && c.PrometheusPort == c.Port && c.Port != 0 {
		log.Error().
			Int("port", c.PrometheusPort).
			Msg("PROMETHEUS_PORT conflicts with PORT, adjusting")
		c.PrometheusPort = c.Port + 1
	}

	if c.PresetsPath != "" {
		if strings.Contains(c.PresetsPath, "..") {
			log.Error().
				Str("path", c.PresetsPath).
				Msg("PresetsPath contains path traversal sequence (..), ignoring")
			c.PresetsPath = ""
		} else if c.PresetsHotReload {
			if _, err := os.Stat(c.PresetsPath); os.IsNotExist(err) {
				log.Warn().
					Str("path", c.PresetsPath).
					Msg("PresetsPath does not exist - embedded presets will be used until restart")
			}
		}
	}
	if c.PresetsHotReload && c.PresetsPath == "" {
		log.Warn().Msg("PRESETS_HOT_RELOAD enabled but PRESETS_PATH not set - hot-reload disabled")
		c.PresetsHotReload = false
	}
}

// ClampWaitBudget returns the wait budget for a request asking for ms milliseconds.
// Zero selects the default.
func (c *Config) ClampWaitBudget(ms int) time.Duration {
	if ms <= 0 {
		return c.DefaultWaitBudget
	}
	d := time.Duration(ms) * time.Millisecond
	if d > c.MaxWaitBudget {
		return c.MaxWaitBudget
	}
	return d
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			// Reject negative or zero durations
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

// getEnvFields splits a whitespace-separated variable, preserving order.
func getEnvFields(key string) ([]string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil, false
	}
	return strings.Fields(value), true
}
