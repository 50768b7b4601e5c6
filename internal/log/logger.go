// Package log provides the bridge's global logger with a configurable level.
// It wraps a zerolog.Logger so packages without an injected logger can still
// emit structured records through the same sink as everything else.

package log

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

type Level int

const (
	LevelNone    Level = iota // Disables logging.
	LevelError                // Logs anomalies that are not expected to occur during normal use.
	LevelWarning              // Logs anomalies that are expected to occur occasionally during normal use.
	LevelInfo                 // Logs major events.
	LevelDebug                // Logs detailed IO
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	level  = LevelError
)

// SetLogger routes package-level logging through l. The bridge daemon calls
// this once at startup so library logs share the process sink.
func SetLogger(l zerolog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

func get(want Level) (zerolog.Logger, bool) {
	mu.RLock()
	defer mu.RUnlock()
	return logger, level >= want
}

func Debug(format string, a ...interface{}) {
	if l, ok := get(LevelDebug); ok {
		l.Debug().Msgf(format, a...)
	}
}

func Info(format string, a ...interface{}) {
	if l, ok := get(LevelInfo); ok {
		l.Info().Msgf(format, a...)
	}
}

func Warning(format string, a ...interface{}) {
	if l, ok := get(LevelWarning); ok {
		l.Warn().Msgf(format, a...)
	}
}

func Error(format string, a ...interface{}) {
	if l, ok := get(LevelError); ok {
		l.Error().Msgf(format, a...)
	}
}
