package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New creates and configures a new zerolog logger
func New(logLevel string) zerolog.Logger {
	// Set global log level
	level, err := zerolog.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure console writer for human-readable output in development
	if os.Getenv("API_ENV") == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	// Create structured logger with common fields
	logger := zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "rebalancer").
		Logger()

	return logger
}

// WithUser adds the user's wallet address to logger context
func WithUser(logger zerolog.Logger, wallet string) zerolog.Logger {
	return logger.With().Str("wallet", wallet).Logger()
}

// WithPosition adds a position address to logger context
func WithPosition(logger zerolog.Logger, position string) zerolog.Logger {
	return logger.With().Str("position", position).Logger()
}

// WithComponent adds a component name to logger context
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}
