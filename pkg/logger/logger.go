package logger

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Config controls how the service logger is constructed.
type Config struct {
	Level       string
	ServiceName string
}

// New builds a zerolog logger tagged with the service name. Unknown or empty
// levels fall back to info.
func New(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && cfg.Level != "" {
		level = parsed
	}

	return zerolog.New(os.Stderr).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Logger()
}
