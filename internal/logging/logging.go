// Package logging provides structured logging with zap.
package logging

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	loggerKey contextKey = "logger"
	opIDKey   contextKey = "op_id"
)

var (
	mu           sync.RWMutex
	globalLogger *zap.Logger
	globalLevel  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init initializes the global logger.
func Init(cfg Config) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var config zap.Config
	if cfg.Format == "console" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	globalLevel.SetLevel(level)
	config.Level = globalLevel
	if cfg.OutputPath != "" {
		config.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := config.Build(
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return err
	}

	mu.Lock()
	globalLogger = logger
	mu.Unlock()
	return nil
}

// Use replaces the global logger, e.g. with zaptest or zap.NewNop in tests.
func Use(logger *zap.Logger) {
	mu.Lock()
	globalLogger = logger
	mu.Unlock()
}

// Sync flushes any buffered log entries.
func Sync() error {
	mu.RLock()
	l := globalLogger
	mu.RUnlock()
	if l != nil {
		return l.Sync()
	}
	return nil
}

// SetLevel changes the global log level at runtime.
func SetLevel(level string) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return
	}
	globalLevel.SetLevel(l)
}

// L returns the global logger. Until Init or Use is called it is a no-op
// logger, so library consumers that never configure logging stay silent.
func L() *zap.Logger {
	mu.RLock()
	l := globalLogger
	mu.RUnlock()
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// S returns the global sugared logger.
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// Named returns a child of the global logger scoped to a component.
func Named(component string) *zap.Logger {
	return L().Named(component)
}

// WithContext returns a logger from context, or the global logger.
func WithContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return L()
}

var opIDCounter atomic.Uint64

// WithOperation tags the context with a fresh operation ID and returns a
// logger carrying it, so every log line of one user operation can be joined.
func WithOperation(ctx context.Context, name string) context.Context {
	id := time.Now().Format("150405") + "-" + strconv.FormatUint(opIDCounter.Add(1), 10)
	logger := WithContext(ctx).With(zap.String("op", name), zap.String("op_id", id))
	ctx = context.WithValue(ctx, opIDKey, id)
	return context.WithValue(ctx, loggerKey, logger)
}

// OperationID returns the operation ID from context.
func OperationID(ctx context.Context) string {
	if id, ok := ctx.Value(opIDKey).(string); ok {
		return id
	}
	return ""
}

// Debug logs a debug message.
func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

// Info logs an info message.
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

// Warn logs a warning message.
func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

// Error logs an error message.
func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

// Fatal logs a fatal message and exits.
func Fatal(msg string, fields ...zap.Field) {
	L().Fatal(msg, fields...)
}

// Field helpers for common fields.
func String(key, val string) zap.Field {
	return zap.String(key, val)
}

func Int(key string, val int) zap.Field {
	return zap.Int(key, val)
}

func Uint64(key string, val uint64) zap.Field {
	return zap.Uint64(key, val)
}

func Bool(key string, val bool) zap.Field {
	return zap.Bool(key, val)
}

func Err(err error) zap.Field {
	return zap.Error(err)
}

func Duration(key string, val time.Duration) zap.Field {
	return zap.Duration(key, val)
}
