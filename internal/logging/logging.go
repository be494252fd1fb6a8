// Package logging configures the global zerolog logger from application
// configuration.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/roomcast/roomcast/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup applies the configured level and output format to the global logger.
// Unknown levels fall back to info rather than failing startup.
func Setup(cfg config.LoggingConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	log.Logger = log.Output(writerFor(cfg.Format))
}

func writerFor(format string) io.Writer {
	if format == "console" {
		return zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
	}
	// JSON output, one event per line.
	return os.Stderr
}

// ParseLevel converts a level string to a zerolog level.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
