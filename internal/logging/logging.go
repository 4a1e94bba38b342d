// Package logging builds the process logger. The level can be changed while
// the node runs.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// New returns a JSON production logger at info level, or debug when debug is
// set.
func New(debug bool) (*Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if debug {
		level.SetLevel(zapcore.DebugLevel)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	log, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: log, level: level}, nil
}

// Wrap is for tests and embedders that already own a zap logger.
func Wrap(log *zap.Logger, level zap.AtomicLevel) *Logger {
	return &Logger{Logger: log, level: level}
}

func (l *Logger) SetDebug(on bool) {
	if on {
		l.level.SetLevel(zapcore.DebugLevel)
		return
	}
	l.level.SetLevel(zapcore.InfoLevel)
}

func (l *Logger) Debugging() bool { return l.level.Enabled(zapcore.DebugLevel) }
