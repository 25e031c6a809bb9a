// Package logger configures the zerolog logger shared by the server, the
// heartbeat broadcaster and the admin endpoints.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// Log is the global logger instance
var Log = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init configures the global logger. Unknown levels fall back to info;
// format "json" writes JSON lines, anything else a human console format.
func Init(level, format string) zerolog.Logger {
	return InitWriter(os.Stdout, level, format)
}

// InitWriter is Init with an explicit destination.
func InitWriter(out io.Writer, level, format string) zerolog.Logger {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = time.RFC3339Nano
	SetLevel(level)

	var writer io.Writer = out
	if !strings.EqualFold(format, "json") {
		writer = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	Log = zerolog.New(writer).With().Timestamp().Logger()
	Log.Debug().
		Str("log_level", zerolog.GlobalLevel().String()).
		Str("format", format).
		Msg("Logger initialized")

	return Log
}

// SetLevel changes the global level at runtime and reports the level in effect.
func SetLevel(level string) zerolog.Level {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	return parsed
}
