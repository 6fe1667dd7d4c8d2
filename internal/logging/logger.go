// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

// Package logging provides centralized zerolog-based logging for Huddle.
//
// All packages log through this facade so that output format, level, and
// destination are configured in exactly one place (from main, via Init).
//
//	logging.Init(logging.Config{Level: "info", Format: "json"})
//	logging.Info().Str("group", id).Msg("session started")
//
// Always terminate log chains with .Msg() or .Send().
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level: trace, debug, info, warn, error, fatal.
	Level string

	// Format is the output format: json or console.
	Format string

	// Caller includes caller file and line number in logs.
	Caller bool

	// Output is the writer for log output. Default: os.Stderr.
	Output io.Writer
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
		Output: os.Stderr,
	}
}

var (
	log zerolog.Logger
	mu  sync.RWMutex
)

//nolint:gochecknoinits // init ensures logging works before explicit Init() call
func init() {
	initLogger(DefaultConfig())
}

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; subsequent calls reconfigure the logger.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	initLogger(cfg)
}

func initLogger(cfg Config) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = cfg.Output
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	log = ctx.Logger()
}

func parseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.InfoLevel
	}
	return l
}

// Logger returns a copy of the global logger for use as a base logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// With returns a zerolog context for building a derived logger with
// preset fields, e.g. logging.With().Str("component", "fabric").Logger().
func With() zerolog.Context {
	return Logger().With()
}

// Trace starts a trace-level log event.
func Trace() *zerolog.Event { return Logger().Trace() }

// Debug starts a debug-level log event.
func Debug() *zerolog.Event { return Logger().Debug() }

// Info starts an info-level log event.
func Info() *zerolog.Event { return Logger().Info() }

// Warn starts a warn-level log event.
func Warn() *zerolog.Event { return Logger().Warn() }

// Error starts an error-level log event.
func Error() *zerolog.Event { return Logger().Error() }

// Fatal starts a fatal-level log event. The program exits after Msg is called.
func Fatal() *zerolog.Event { return Logger().Fatal() }
