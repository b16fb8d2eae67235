// Package logging configures the global zerolog logger for the offline cache.
//
// Components never build their own root logger. They derive one from the
// global logger with Component, so level and output are set in one place.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string

	// Pretty enables human-readable console output (default JSON).
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns JSON logging at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Output: os.Stderr,
	}
}

// ParseLevel converts a level name to a zerolog level. "warning" is
// accepted as an alias for "warn"; the empty string means info.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

// Setup configures the global zerolog logger and returns it. An unknown
// level falls back to info and is reported on the new logger.
func Setup(cfg Config) zerolog.Logger {
	level, levelErr := ParseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	if levelErr != nil {
		logger.Warn().Err(levelErr).Msg("Falling back to info level")
	}
	return logger
}

// Component returns a child of the global logger tagged with component.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// Level guidelines:
//
// Debug: cache hits and misses with their keys, write-backs.
// Info: install and activate summaries, fallback served, startup/shutdown.
// Warn: precache item failures, store errors, failed write-backs.
// Error: startup failures and configuration errors.
//
// Common fields: component, generation, key, locator, session.
