// Package logging wires zerolog for the server and its components.
//
// In stdio mode the MCP transport owns the standard streams, so the server
// passes Init a log file path and log lines stay off stdout and stderr. With
// an empty path (as in SSE mode) Init writes to stderr instead.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

var base zerolog.Logger = zerolog.New(io.Discard)

// Init opens logFile (creating it if necessary) and installs it as the
// destination for all loggers returned by Component. When logFile is empty,
// logs go to stderr — safe for SSE mode or local debugging, never for stdio.
func Init(logFile string, debug bool) (io.Closer, error) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	var w io.Writer
	var closer io.Closer = nopCloser{}

	if logFile == "" {
		w = os.Stderr
	} else {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		w = f
		closer = f
	}

	base = zerolog.New(w).Level(level).With().Timestamp().Logger()
	return closer, nil
}

// Component returns a sub-logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
