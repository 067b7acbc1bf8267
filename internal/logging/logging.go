// Package logging centralizes zerolog setup for the daemon and relay.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger writing to w (os.Stderr if nil) at the given
// level name ("debug", "info", "warn", "error"; invalid/empty defaults to
// "info"). component is attached to every event so supervisor, multiplexer,
// relay and permission-bridge logs can be told apart in a shared stream.
func New(component string, level string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().
		Timestamp().
		Str("component", component).
		Logger()
}
