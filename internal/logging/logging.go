// Package logging sets up the zerolog logger used throughout jmapsync:
// a human-readable console writer on a TTY, newline-delimited JSON
// otherwise, with the level driven by the -v/-q CLI flags.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// New builds the root logger. verbosity is the number of -v flags
// (0 = info, 1 = debug, 2+ = trace); quiet drops the level to
// warn and overrides verbosity.
func New(verbosity int, quiet bool) zerolog.Logger {
	var out io.Writer = os.Stderr
	if term.IsTerminal(int(os.Stderr.Fd())) {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	level := levelFor(verbosity, quiet)
	zerolog.SetGlobalLevel(level)
	return zerolog.New(out).With().Timestamp().Logger()
}

func levelFor(verbosity int, quiet bool) zerolog.Level {
	if quiet {
		return zerolog.WarnLevel
	}
	switch {
	case verbosity <= 0:
		return zerolog.InfoLevel
	case verbosity == 1:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}
