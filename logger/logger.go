// Package logger builds the zerolog.Logger TokenShield and its host
// application share, grounded directly in Sergey-Bar-Alfred's
// logger.New (console writer, Debug in development / Info otherwise,
// timestamped).
package logger

import (
	"os"

	"github.com/rs/zerolog"
)

// New returns a console-pretty logger in development, or a plain JSON
// logger otherwise (the teacher always uses ConsoleWriter; production
// JSON output is this module's one addition, since a production
// middleware embedded in someone else's service should not force
// colorized terminal output on their log aggregator).
func New(env string) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if env == "development" {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if env == "development" {
		out := zerolog.ConsoleWriter{Out: os.Stderr}
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
