// Package logging configures zerolog for the commands.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/romshark/latency-bench-go/config"
)

// Init sets the global level and output and returns the global logger.
// conf must be validated.
func Init(conf config.Logging) zerolog.Logger {
	return InitWriter(conf, os.Stderr)
}

// InitWriter is Init writing to w.
func InitWriter(conf config.Logging, w io.Writer) zerolog.Logger {
	zerolog.SetGlobalLevel(Level(conf.Level))
	if strings.ToLower(conf.Format) == "json" {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out: w, TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
	return log.Logger
}

// Level maps a level name to zerolog, defaulting to info.
func Level(name string) zerolog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}
