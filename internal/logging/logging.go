// Package logging builds the zerolog logger shared by meetscribe components.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field names used across components.
const (
	FieldComponent = "component"
	FieldBackend   = "backend"
	FieldModel     = "model"
	FieldDevice    = "device"
	FieldPath      = "path"
	FieldSegments  = "segments"
	FieldElapsed   = "elapsed"
)

// Options controls logger construction.
type Options struct {
	// Level is one of debug, info, warn, error. Unknown values mean info.
	Level string
	// Verbose forces debug level regardless of Level.
	Verbose bool
	// Writer receives log output. Defaults to os.Stderr.
	Writer io.Writer
	// JSON disables the human console format.
	JSON bool
	// NoColor disables ANSI colors in console output.
	NoColor bool
}

// New creates a logger writing human-readable lines to stderr.
func New(opts Options) zerolog.Logger {
	out := opts.Writer
	if out == nil {
		out = os.Stderr
	}

	if !opts.JSON {
		out = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    opts.NoColor,
			TimeFormat: time.TimeOnly,
		}
	}

	return zerolog.New(out).
		Level(ParseLevel(opts.Level, opts.Verbose)).
		With().
		Timestamp().
		Logger()
}

// ParseLevel maps a config level name to a zerolog level.
func ParseLevel(level string, verbose bool) zerolog.Level {
	if verbose {
		return zerolog.DebugLevel
	}
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component returns l tagged with a component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str(FieldComponent, name).Logger()
}

// Nop returns a disabled logger for tests and optional dependencies.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
