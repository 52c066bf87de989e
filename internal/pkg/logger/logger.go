// Package logger holds the process-wide zap logger shared by the migrator
// server and the unit daemon.
//
// The level lives in a zap.AtomicLevel and is served on /log/level, so an
// operator can turn on debug output for a stuck migration without a
// restart. Components take a child logger with Named and tag entries with
// subject and unit_id fields.
//
// Import Path: unitmover.io/unitmover/internal/pkg/logger
package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global      *zap.Logger
	atomicLevel = zap.NewAtomicLevel()
	once        sync.Once
)

// Init builds the global logger once. level is one of debug, info, warn,
// error; format is "json" or "console".
func Init(level, format string) error {
	var initErr error
	once.Do(func() {
		if err := atomicLevel.UnmarshalText([]byte(level)); err != nil {
			initErr = fmt.Errorf("parse log level %q: %w", level, err)
			return
		}
		l, err := newConfig(format).Build(zap.AddCallerSkip(1))
		if err != nil {
			initErr = fmt.Errorf("build logger: %w", err)
			return
		}
		global = l
	})
	return initErr
}

// newConfig returns the zap config for format. Sampling is off: every stage
// transition and chunk retry is kept.
func newConfig(format string) zap.Config {
	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	}
	cfg.Sampling = nil
	cfg.Level = atomicLevel
	return cfg
}

// SetLevel changes the level of every logger derived from the global one.
func SetLevel(level string) error {
	return atomicLevel.UnmarshalText([]byte(level))
}

// GetLevel returns the current level.
func GetLevel() zapcore.Level {
	return atomicLevel.Level()
}

// L returns the global logger. It panics before Init.
func L() *zap.Logger {
	if global == nil {
		panic("logger.Init() must be called before logger.L()")
	}
	return global
}

func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

// With returns a child logger carrying fields.
func With(fields ...zap.Field) *zap.Logger {
	return L().WithOptions(zap.AddCallerSkip(-1)).With(fields...)
}

// Named returns a child logger for a component, e.g. "handoff". Call sites
// on the child are reported without the package-level skip.
func Named(component string) *zap.Logger {
	return L().WithOptions(zap.AddCallerSkip(-1)).Named(component)
}

// HTTPHandler returns the atomic level, which serves:
//
//	GET  /log/level                         current level
//	PUT  /log/level -d '{"level":"debug"}'  change level
func HTTPHandler() *zap.AtomicLevel {
	return &atomicLevel
}

// Sync flushes buffered entries. It is a no-op before Init.
func Sync() error {
	if global == nil {
		return nil
	}
	return global.Sync()
}
