package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/divir94/bitcoin/internal/config"
)

type Logger = zerolog.Logger

func NewLogger(cfg config.Config) Logger {
	var out io.Writer = os.Stderr
	if cfg.Logging.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return log.Output(out).With().
		Str("product", cfg.Feed.ProductID).
		Str("exchange", cfg.Feed.Exchange).
		Logger()
}

// Component tags l with the subsystem emitting the events.
func Component(l Logger, name string) Logger {
	return l.With().Str("component", name).Logger()
}
