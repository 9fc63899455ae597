// Package logging provides the agent's process-wide zap logger along with
// helpers for deriving request-scoped loggers that fan out to additional
// sinks.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger = buildLogger()
)

func buildLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Encoding = "console"
	cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	l, err := cfg.Build()
	if err != nil {
		// Fallback that can never fail to construct.
		return zap.NewNop()
	}
	return l
}

// L returns the process-wide logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// S returns a sugared form of the process-wide logger.
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// SetLevel adjusts the minimum level of the process-wide logger in place.
func SetLevel(lvl zapcore.Level) {
	level.SetLevel(lvl)
}

// NewLogger builds a logger that writes to both the process-wide sinks and
// the supplied WriteSyncer, useful for mirroring a deployment's progress log
// to an additional destination (e.g. a debug HTTP response).
func NewLogger(ws zapcore.WriteSyncer) *zap.Logger {
	core := zapcore.NewTee(
		L().Core(),
		zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), ws, level),
	)
	return zap.New(core)
}
