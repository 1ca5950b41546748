// Package logging builds the structured zerolog.Logger shared by every
// component, modeled directly on the teacher's monitoring.NewLogger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New constructs a zerolog.Logger for the given level/format strings
// (debug|info|warn|error, json|pretty). Unknown values fall back to
// info/json rather than failing startup.
func New(level, format string) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(level))

	return zerolog.New(newWriter(format, os.Stdout)).
		With().
		Timestamp().
		Str("service", "hypivisor").
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// newWriter returns the console writer for local development ("pretty")
// or zerolog's native JSON encoding (the production default) straight to
// out.
func newWriter(format string, out *os.File) io.Writer {
	if format == "pretty" {
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return out
}
