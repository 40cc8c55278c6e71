// Package logging configures the global zerolog logger and emits the
// cold-start summary line.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Environment variables read by Init.
const (
	LevelEnv  = "WORKER_LOG_LEVEL"
	FormatEnv = "WORKER_LOG_FORMAT"
)

// Init configures the global logger.
// WORKER_LOG_LEVEL: debug, info, warn, error (default: info).
// WORKER_LOG_FORMAT: json (default, for CloudWatch) or console.
func Init() {
	switch strings.ToLower(os.Getenv(LevelEnv)) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if strings.EqualFold(os.Getenv(FormatEnv), "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}
