// README: Structured JSON logger construction shared by both binaries.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a JSON zerolog logger tuned for production use. Timestamps are
// UTC RFC3339 so log shippers do not have to guess the zone.
func New(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(os.Stdout).
		Level(levelFromString(level)).
		With().
		Timestamp().
		Logger()
}

func levelFromString(level string) zerolog.Level {
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
