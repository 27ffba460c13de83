// Package logging builds the process-wide zerolog root logger. Components
// derive their own sub-loggers from it with With().Str("component", ...).
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns the root logger for the given service. Development gets a
// human-readable console writer; everything else logs JSON to stdout.
func New(service, env string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	var w io.Writer = os.Stdout
	if env == "development" {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).With().
		Timestamp().
		Str("service", service).
		Str("env", env).
		Logger()
}
