// Package monitoring holds the process-wide diagnostic logger.
package monitoring

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var current atomic.Pointer[zap.Logger]

// Logger returns the package-level logger. It is a no-op logger until
// SetLogger is called, so library code and tests stay quiet by default.
func Logger() *zap.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}

// SetLogger replaces the package logger. Passing nil restores the no-op logger.
func SetLogger(l *zap.Logger) {
	current.Store(l)
}

// Logf logs a formatted message at info level on the package logger.
func Logf(format string, v ...interface{}) {
	Logger().Sugar().Infof(format, v...)
}

// NewLogger builds a logger for the command line tools. level is one of
// debug, info, warn or error; json selects the production encoder.
func NewLogger(level string, json bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewDevelopmentConfig()
	if json {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
