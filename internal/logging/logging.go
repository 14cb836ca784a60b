// Package logging provides the structured logger shared by the cache packages.
//
// It wraps log/slog with context-aware level methods, a no-op default and a
// handful of helpers that keep cache events consistently shaped across the
// tile, asset and icon caches.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Level represents different logging levels.
type Level int

// Supported levels, lowest first.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// String returns the lowercase name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Config holds configuration for the logger.
type Config struct {
	// Level sets the minimum log level.
	Level Level
	// JSON switches the handler from text to JSON output.
	JSON bool
	// AddSource includes file and line number in logs.
	AddSource bool
	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Logger provides structured logging for the cache system.
// A nil *Logger and the Nop logger both discard everything.
type Logger struct {
	logger *slog.Logger
}

// New creates a new structured logger with the given configuration.
func New(config Config) *Logger {
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     config.Level.slogLevel(),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return &Logger{logger: slog.New(handler)}
}

// FromSlog wraps an existing slog logger.
func FromSlog(l *slog.Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return &Logger{logger: l}
}

// Slog returns the underlying slog logger, or nil for a Nop logger.
func (l *Logger) Slog() *slog.Logger {
	if l == nil {
		return nil
	}
	return l.logger
}

// Nop returns a logger that discards all messages.
func Nop() *Logger {
	return &Logger{}
}

// Debug logs debug-level messages.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.DebugContext(ctx, msg, args...)
}

// Info logs info-level messages.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.InfoContext(ctx, msg, args...)
}

// Warn logs warning-level messages.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.WarnContext(ctx, msg, args...)
}

// Error logs error-level messages.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.ErrorContext(ctx, msg, args...)
}

// With returns a logger with additional context fields.
func (l *Logger) With(args ...any) *Logger {
	if l == nil || l.logger == nil {
		return l
	}
	return &Logger{logger: l.logger.With(args...)}
}

// WithComponent tags every record with the owning cache component.
func (l *Logger) WithComponent(component string) *Logger {
	return l.With("component", component)
}

// WithOperation returns a logger with operation context.
func (l *Logger) WithOperation(operation string) *Logger {
	return l.With("operation", operation)
}

// WithURL returns a logger with resource URL context.
func (l *Logger) WithURL(url string) *Logger {
	return l.With("url", url)
}

// ParseLevel parses a string log level into a Level.
func ParseLevel(level string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// Tier names a cache level for hit logging.
type Tier string

// Cache tiers.
const (
	TierMemory  Tier = "memory"
	TierDurable Tier = "durable"
	TierNetwork Tier = "network"
)

// LogHit logs a cache hit event.
func LogHit(ctx context.Context, logger *Logger, url string, tier Tier, size int) {
	logger.Debug(ctx, "cache hit",
		"url", url,
		"tier", string(tier),
		"size", size,
		"result", "hit")
}

// LogMiss logs a cache miss that went to the origin.
func LogMiss(ctx context.Context, logger *Logger, url string, duration time.Duration, err error) {
	fields := []any{
		"url", url,
		"duration_ms", duration.Milliseconds(),
		"result", "miss",
	}
	if err != nil {
		logger.Warn(ctx, "origin fetch failed", append(fields, "error", err.Error())...)
		return
	}
	logger.Debug(ctx, "cache miss filled from origin", fields...)
}

// LogEviction logs an eviction event.
func LogEviction(ctx context.Context, logger *Logger, key string, size int64, reason string) {
	logger.Info(ctx, "cache entry evicted",
		"key", key,
		"size", size,
		"reason", reason)
}

// LogCleanup logs the outcome of a cleanup pass.
func LogCleanup(
	ctx context.Context,
	logger *Logger,
	operation string,
	entriesRemoved int,
	bytesFreed int64,
	duration time.Duration,
) {
	logger.Info(ctx, "cache cleanup completed",
		"operation", operation,
		"entries_removed", entriesRemoved,
		"bytes_freed", bytesFreed,
		"duration_ms", duration.Milliseconds())
}
