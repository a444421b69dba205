// Package logging provides structured logging using Go's slog package.
package logging

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// ContextKey is a type for context keys to avoid collisions.
type ContextKey string

const (
	// RunIDKey is the context key for conversion run IDs.
	RunIDKey ContextKey = "run_id"
)

var (
	// defaultLogger is the global logger instance.
	defaultLogger *slog.Logger
)

func init() {
	// Initialize with a default logger (JSON format, Info level)
	InitLogger(LevelInfo, FormatJSON)
}

// Level represents a log level.
type Level int

const (
	// LevelDebug is for debug messages.
	LevelDebug Level = iota
	// LevelInfo is for informational messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

// Format represents a log output format.
type Format int

const (
	// FormatJSON outputs logs in JSON format.
	FormatJSON Format = iota
	// FormatText outputs logs in human-readable text format.
	FormatText
)

// InitLogger initializes the global logger with the specified level and format.
func InitLogger(level Level, format Format) {
	var slogLevel slog.Level
	switch level {
	case LevelDebug:
		slogLevel = slog.LevelDebug
	case LevelInfo:
		slogLevel = slog.LevelInfo
	case LevelWarn:
		slogLevel = slog.LevelWarn
	case LevelError:
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Customize timestamp format
			if a.Key == slog.TimeKey {
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	if format == FormatJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

// GetLogger returns the global logger instance.
func GetLogger() *slog.Logger {
	return defaultLogger
}

// WithRunID adds a conversion run ID to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// GetRunID retrieves the conversion run ID from the context.
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		return runID
	}
	return ""
}

// LoggerFromContext returns a logger with context values attached.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	logger := defaultLogger
	if runID := GetRunID(ctx); runID != "" {
		logger = logger.With("run_id", runID)
	}
	return logger
}

// Helper functions for common logging patterns

// Debug logs a debug message with optional key-value pairs.
func Debug(msg string, args ...any) {
	defaultLogger.Debug(msg, args...)
}

// Info logs an info message with optional key-value pairs.
func Info(msg string, args ...any) {
	defaultLogger.Info(msg, args...)
}

// Warn logs a warning message with optional key-value pairs.
func Warn(msg string, args ...any) {
	defaultLogger.Warn(msg, args...)
}

// Error logs an error message with optional key-value pairs.
func Error(msg string, args ...any) {
	defaultLogger.Error(msg, args...)
}

// DebugContext logs a debug message with context.
func DebugContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Debug(msg, args...)
}

// InfoContext logs an info message with context.
func InfoContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Info(msg, args...)
}

// WarnContext logs a warning message with context.
func WarnContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Warn(msg, args...)
}

// ErrorContext logs an error message with context.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Error(msg, args...)
}

// TableStart logs the beginning of a table conversion.
func TableStart(file, table string, tableNumber uint8, estimatedRecords int64, args ...any) {
	allArgs := []any{
		"file", file,
		"table", table,
		"table_number", tableNumber,
		"estimated_records", estimatedRecords,
	}
	allArgs = append(allArgs, args...)
	defaultLogger.Info("table_start", allArgs...)
}

// TableDone logs the completion of a table conversion.
func TableDone(file, table string, rowsWritten, rowsSkipped int64, duration time.Duration, args ...any) {
	allArgs := []any{
		"file", file,
		"table", table,
		"rows_written", rowsWritten,
		"rows_skipped", rowsSkipped,
		"duration_ms", duration.Milliseconds(),
	}
	allArgs = append(allArgs, args...)
	defaultLogger.Info("table_done", allArgs...)
}

// PageSkipped logs a corrupt page being skipped.
func PageSkipped(file string, pageRef uint32, reason string, args ...any) {
	allArgs := []any{
		"file", file,
		"page_ref", pageRef,
		"reason", reason,
	}
	allArgs = append(allArgs, args...)
	defaultLogger.Warn("page_skipped", allArgs...)
}

// RowSkipped logs a record that failed to decode.
func RowSkipped(file, table string, recordNumber uint32, err error, args ...any) {
	allArgs := []any{
		"file", file,
		"table", table,
		"record_number", recordNumber,
		"error", err.Error(),
	}
	allArgs = append(allArgs, args...)
	defaultLogger.Warn("row_skipped", allArgs...)
}

// BatchResized logs an adaptive batch size change.
func BatchResized(table string, oldSize, newSize int, rssBytes uint64, args ...any) {
	allArgs := []any{
		"table", table,
		"old_size", oldSize,
		"new_size", newSize,
		"rss_bytes", rssBytes,
	}
	allArgs = append(allArgs, args...)
	defaultLogger.Info("batch_resized", allArgs...)
}
