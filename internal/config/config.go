package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the rebalancer
type Config struct {
	// Database configuration
	DBName     string
	DBHost     string
	DBUser     string
	DBPassword string
	DBPort     string
	DBSSLMode  string

	// RPC configuration
	RPCEndpoints []string

	// Access-control service configuration
	AccessServiceURL   string
	AccessServiceToken string

	// Messaging configuration
	TelegramToken string

	// Rebalancing configuration
	ScanInterval      time.Duration
	CooldownWindow    time.Duration
	RangeBufferBins   int
	NewPositionWidth  int
	SettleDelay       time.Duration
	MaxCreateAttempts int
	SlippageBps       int

	// Wallet keystore
	KeystorePath string

	// Logging configuration
	LogLevel string

	// Metrics configuration
	MetricsPort string
}

// Load reads configuration from environment variables and validates it
func Load() (Config, error) {
	cfg := Config{
		DBName:             getEnv("DB_NAME", ""),
		DBHost:             getEnv("DB_HOST", "localhost"),
		DBUser:             getEnv("DB_USER", ""),
		DBPassword:         getEnv("DB_PASSWORD", ""),
		DBPort:             getEnv("DB_PORT", "5432"),
		DBSSLMode:          getEnv("DB_SSL_MODE", "disable"),
		AccessServiceURL:   getEnv("ACCESS_SERVICE_URL", ""),
		AccessServiceToken: getEnv("ACCESS_SERVICE_TOKEN", ""),
		TelegramToken:      getEnv("TELEGRAM_BOT_TOKEN", ""),
		KeystorePath:       getEnv("KEYSTORE_PATH", ""),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		MetricsPort:        getEnv("METRICS_PORT", "9100"),
	}

	// Parse RPC endpoints
	rpcEndpointsStr := getEnv("RPC_ENDPOINTS", "")
	if rpcEndpointsStr == "" {
		return cfg, fmt.Errorf("RPC_ENDPOINTS environment variable is required")
	}
	cfg.RPCEndpoints = strings.Split(rpcEndpointsStr, ",")
	for i, endpoint := range cfg.RPCEndpoints {
		cfg.RPCEndpoints[i] = strings.TrimSpace(endpoint)
	}

	// Parse rebalancing configuration
	var err error
	if cfg.ScanInterval, err = parseDurationEnv("SCAN_INTERVAL", 30*time.Second); err != nil {
		return cfg, fmt.Errorf("invalid SCAN_INTERVAL: %w", err)
	}
	if cfg.CooldownWindow, err = parseDurationEnv("COOLDOWN_WINDOW", 300*time.Second); err != nil {
		return cfg, fmt.Errorf("invalid COOLDOWN_WINDOW: %w", err)
	}
	if cfg.SettleDelay, err = parseDurationEnv("SETTLE_DELAY", 5*time.Second); err != nil {
		return cfg, fmt.Errorf("invalid SETTLE_DELAY: %w", err)
	}
	if cfg.RangeBufferBins, err = parseIntEnv("RANGE_BUFFER_BINS", 2); err != nil {
		return cfg, fmt.Errorf("invalid RANGE_BUFFER_BINS: %w", err)
	}
	if cfg.NewPositionWidth, err = parseIntEnv("NEW_POSITION_WIDTH", 69); err != nil {
		return cfg, fmt.Errorf("invalid NEW_POSITION_WIDTH: %w", err)
	}
	if cfg.MaxCreateAttempts, err = parseIntEnv("MAX_CREATE_ATTEMPTS", 5); err != nil {
		return cfg, fmt.Errorf("invalid MAX_CREATE_ATTEMPTS: %w", err)
	}
	if cfg.SlippageBps, err = parseIntEnv("SLIPPAGE_BPS", 100); err != nil {
		return cfg, fmt.Errorf("invalid SLIPPAGE_BPS: %w", err)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks that the configuration is valid
func (c Config) validate() error {
	if c.DBName == "" {
		return fmt.Errorf("DB_NAME is required")
	}

	if len(c.RPCEndpoints) == 0 {
		return fmt.Errorf("at least one RPC endpoint is required")
	}

	if c.AccessServiceURL == "" {
		return fmt.Errorf("ACCESS_SERVICE_URL is required")
	}

	if c.ScanInterval < time.Second {
		return fmt.Errorf("SCAN_INTERVAL must be at least 1s")
	}

	if c.CooldownWindow <= 0 {
		return fmt.Errorf("COOLDOWN_WINDOW must be positive")
	}

	if c.RangeBufferBins < 0 {
		return fmt.Errorf("RANGE_BUFFER_BINS must not be negative")
	}

	if c.NewPositionWidth < 1 {
		return fmt.Errorf("NEW_POSITION_WIDTH must be at least 1")
	}

	if c.MaxCreateAttempts < 1 {
		return fmt.Errorf("MAX_CREATE_ATTEMPTS must be at least 1")
	}

	validLogLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
		"panic": true,
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid LOG_LEVEL: %s (must be one of: trace, debug, info, warn, error, fatal, panic)", c.LogLevel)
	}

	return nil
}

// getEnv retrieves an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv parses an integer environment variable with a default value
func parseIntEnv(key string, defaultValue int) (int, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(str)
}

// parseDurationEnv parses a duration environment variable with a default value
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(str)
}
