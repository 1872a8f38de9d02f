// Package logging constructs the process-wide zerolog logger. Components
// derive their own loggers from it with a "component" field.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the root logger's level and output format.
type Config struct {
	Level      string `json:"level"`       // trace, debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // machine-readable output instead of the console writer
}

// New builds the root logger. An unknown level falls back to info rather
// than failing startup.
func New(cfg Config) zerolog.Logger {
	return NewWithOutput(cfg, os.Stdout)
}

// NewWithOutput is New writing to an explicit destination.
func NewWithOutput(cfg Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.JSONFormat {
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}
