package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates the process-wide structured logger. Components derive
// their own loggers from it with a "component" field.
func NewLogger(service string, debug bool) zerolog.Logger {
	var output io.Writer = os.Stdout

	// Pretty console output for development
	if os.Getenv("ENV") == "development" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}
