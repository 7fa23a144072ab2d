// Package logging builds the single zerolog.Logger threaded through every
// engine component's constructor. Nothing in this module reaches for the
// global zerolog logger.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/tracky-pm/engine/internal/config"
)

// New returns a configured zerolog.Logger. Development environments get a
// human-readable console writer; everything else gets JSON suitable for log
// aggregation. In every environment the level comes from LOG_LEVEL, falling
// back to info when it does not parse.
func New(cfg *config.Config) zerolog.Logger {
	var writer io.Writer = os.Stderr
	if cfg.IsDevelopment() {
		writer = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	return zerolog.New(writer).With().Timestamp().Logger()
}
