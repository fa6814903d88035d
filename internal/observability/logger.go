// Package observability wires up structured logging and Prometheus
// metrics for a running frontend.
package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the global zerolog logger with a console
// writer tagged with app, and returns it for callers that want a
// local reference instead of the package-global log.Logger. debug
// raises the level to DebugLevel (set via FRONTEND_DEBUG); otherwise
// the level is InfoLevel.
func InitLogger(app string, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
