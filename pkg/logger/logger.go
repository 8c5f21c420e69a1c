// Package logger provides the shared slog logger and common log attributes.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Scope returns the standard scope attribute used to namespace log lines
// (e.g. "vectorizer.worker", "embeddings.openai").
func Scope(scope string) slog.Attr {
	return slog.String("scope", scope)
}

// Error returns the standard error attribute.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// NewLogger creates the process-wide slog logger. The level comes from
// LOG_LEVEL (case-insensitive, invalid values fall back to info). In
// production (GO_ENV=production) a JSON handler is used, otherwise text.
func NewLogger() *slog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if os.Getenv("GO_ENV") == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewZapLogger creates a zap logger at the same level as the slog logger.
// It exists for the components that take *zap.Logger (the migrator and the
// fx event logger).
func NewZapLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if os.Getenv("GO_ENV") != "production" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(os.Getenv("LOG_LEVEL")))
	return cfg.Build()
}

func zapLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
