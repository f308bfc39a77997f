// pkg/logging/logger.go
package logging

import (
	"io"

	"github.com/phuslu/log"
)

// CreateDebugLogger returns a human readable logger at debug level writing
// to w, used for interactive tracing of page mappings.
func CreateDebugLogger(w io.Writer) *log.Logger {
	return &log.Logger{
		Level: log.DebugLevel,
		Writer: &log.ConsoleWriter{
			Writer:         w,
			EndWithMessage: true,
		},
	}
}

// CreateLogger returns a JSON logger writing to w at the named level
// ("debug", "info", "warn", "error"). Unknown names fall back to info.
func CreateLogger(level string, w io.Writer) *log.Logger {
	return &log.Logger{
		Level:  log.ParseLevel(level),
		Writer: &log.IOWriter{Writer: w},
	}
}

// Discard returns a logger that drops every entry.
func Discard() *log.Logger {
	return CreateLogger("error", io.Discard)
}
