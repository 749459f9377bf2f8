// Package tlog builds the *zap.Logger shared by the agent's components:
// one place that decides how the process logs, called once at startup.
package tlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the zap.Logger used for both the library's own diagnostics
// and the cmd/ demo programs. debug enables development-mode (human-readable, DebugLevel)
// output; otherwise the logger runs at InfoLevel with JSON encoding
// suitable for log collection.
func New(debug bool) *zap.Logger {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build()
		if err != nil {
			// zap's own config construction failing indicates a
			// programming error in the config above, not a runtime
			// condition the caller can recover from.
			panic(err)
		}
		return logger
	}
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return logger
}

// Nop returns a logger that discards everything, for tests and for
// callers that pass a nil logger to a constructor.
func Nop() *zap.Logger {
	return zap.NewNop()
}
