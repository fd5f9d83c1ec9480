// Package logging configures the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pairrelay/internal/config"
)

// Setup parses the level, installs the global logger and returns it.
// Pretty selects a human readable console writer instead of JSON lines.
func Setup(cfg config.LoggingConfig, out io.Writer) (zerolog.Logger, error) {
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("failed to parse log level: %w", err)
	}
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(parsed)
	logger := zerolog.New(out).With().Timestamp().Str("app", "pairrelay").Logger()
	log.Logger = logger
	return logger, nil
}

// Component returns a child of the global logger tagged with name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
