package commands

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/secfleet/conductor/pkg/config"
	"github.com/secfleet/conductor/pkg/telemetry"
)

// setupLogging points the global CLI logger at stderr. Level and format come
// from the logging section of the loaded config; --verbose forces debug even
// when the config cannot be read.
func setupLogging(w io.Writer, cfg *config.Config) {
	format := "console"
	if cfg != nil && cfg.Telemetry.Logging.Format != "" {
		format = cfg.Telemetry.Logging.Format
	}

	if format == "json" {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
			With().Timestamp().Logger()
	}
	zerolog.SetGlobalLevel(cliLogLevel(cfg))
}

func cliLogLevel(cfg *config.Config) zerolog.Level {
	switch {
	case verbose:
		return zerolog.DebugLevel
	case cfg == nil || cfg.Telemetry.Logging.Level == "":
		return zerolog.InfoLevel
	default:
		return telemetry.ParseLevel(cfg.Telemetry.Logging.Level)
	}
}

// configureLogging runs before every subcommand. A config that fails to load
// is reported by the subcommand itself.
func configureLogging() {
	cfg, _, err := loadConfig()
	if err != nil {
		cfg = nil
	}
	setupLogging(os.Stderr, cfg)
}
