package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration for a single hub instance.
type Config struct {
	// Required variables
	ServerID string
	Port     string

	// Distributed backing store
	StoreEnabled  bool
	StoreAddr     string
	StorePassword string

	// Sharding
	ShardRangeStart uint32
	ShardRangeEnd   uint32
	ShardCount      uint32

	// Optional variables with defaults
	GoEnv          string
	LogLevel       string
	AllowedOrigins string

	MaxConnections int

	// Rate limits (ulule/limiter formatted rates, e.g. "1000-M")
	RateLimitPerSecond string
	RateLimitPerMinute string
	RateLimitPerHour   string
	RateLimitWsIP      string

	// Adaptive throttle
	AdaptiveThrottleCPUPercent float64
	AdaptiveThrottleMemPercent float64
	AdaptiveThrottleFactor     float64

	// Cache
	CacheL1MaxBytes           int64
	CacheCompressionThreshold int
	CacheL2TTLSeconds         int
	CacheL3TTLSeconds         int
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: SERVER_ID, unique per instance in the fleet
	cfg.ServerID = os.Getenv("SERVER_ID")
	if cfg.ServerID == "" {
		errors = append(errors, "SERVER_ID is required")
	}

	// Required: PORT
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Conditional: STORE_ADDR (read unless STORE_ENABLED=false; defaults to localhost:6379)
	cfg.StoreEnabled = os.Getenv("STORE_ENABLED") != "false"
	if cfg.StoreEnabled {
		cfg.StoreAddr = os.Getenv("STORE_ADDR")
		if cfg.StoreAddr == "" {
			cfg.StoreAddr = "localhost:6379"
			slog.Warn("STORE_ADDR not set, using default", "addr", cfg.StoreAddr)
		} else if !isValidHostPort(cfg.StoreAddr) {
			errors = append(errors, fmt.Sprintf("STORE_ADDR must be in format 'host:port' (got '%s')", cfg.StoreAddr))
		}
		cfg.StorePassword = os.Getenv("STORE_PASSWORD")
	}

	cfg.ShardRangeStart = uint32(parseUintOrDefault("ROOM_SHARD_RANGE_START", 0))
	cfg.ShardCount = uint32(parseUintOrDefault("ROOM_SHARD_COUNT", 1))
	cfg.ShardRangeEnd = uint32(parseUintOrDefault("ROOM_SHARD_RANGE_END", uint64(cfg.ShardCount-1)))

	cfg.MaxConnections = int(parseUintOrDefault("MAX_CONNECTIONS", 20000))

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.AllowedOrigins = getEnvOrDefault("ALLOWED_ORIGINS", "*")

	cfg.RateLimitPerSecond = getEnvOrDefault("RATE_LIMIT_PER_SECOND", "20-S")
	cfg.RateLimitPerMinute = getEnvOrDefault("RATE_LIMIT_PER_MINUTE", "300-M")
	cfg.RateLimitPerHour = getEnvOrDefault("RATE_LIMIT_PER_HOUR", "5000-H")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "50-M")

	cfg.AdaptiveThrottleCPUPercent = parseFloatOrDefault("ADAPTIVE_THROTTLE_CPU_PERCENT", 80)
	cfg.AdaptiveThrottleMemPercent = parseFloatOrDefault("ADAPTIVE_THROTTLE_MEM_PERCENT", 85)
	cfg.AdaptiveThrottleFactor = parseFloatOrDefault("ADAPTIVE_THROTTLE_FACTOR", 0.5)

	cfg.CacheL1MaxBytes = int64(parseUintOrDefault("CACHE_L1_MAX_BYTES", 64<<20))
	cfg.CacheCompressionThreshold = int(parseUintOrDefault("CACHE_COMPRESSION_THRESHOLD_BYTES", 1024))
	cfg.CacheL2TTLSeconds = int(parseUintOrDefault("CACHE_L2_TTL_SECONDS", 300))
	cfg.CacheL3TTLSeconds = int(parseUintOrDefault("CACHE_L3_TTL_SECONDS", 86400))

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated")
	slog.Info("configuration",
		"server_id", cfg.ServerID,
		"port", cfg.Port,
		"store_enabled", cfg.StoreEnabled,
		"store_addr", cfg.StoreAddr,
		"store_password", redactSecret(cfg.StorePassword),
		"shard_range", fmt.Sprintf("%d-%d/%d", cfg.ShardRangeStart, cfg.ShardRangeEnd, cfg.ShardCount),
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"max_connections", cfg.MaxConnections,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseUintOrDefault(key string, defaultValue uint64) uint64 {
	v, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return defaultValue
	}
	return n
}

func parseFloatOrDefault(key string, defaultValue float64) float64 {
	v, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

// redactSecret redacts a secret by showing only the first 8 characters.
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
