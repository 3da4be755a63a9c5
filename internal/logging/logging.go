// Package logging builds the process-wide slog logger and threads
// correlation IDs through request contexts.
//
// Handlers call L(ctx) instead of passing loggers around. The returned
// logger already carries the request ID and, once execution starts, the
// intent ID, so every line from one authorization can be grepped together.
package logging

import (
	"context"
	"log/slog"
	"os"
)

// LevelCritical sits above Error. Reserved for faults that leave external
// state uncertain, like a transfer failing after authorization.
const LevelCritical = slog.Level(12)

type ctxKey int

const (
	loggerKey ctxKey = iota
	requestIDKey
	intentIDKey
)

// New builds a logger writing to stdout. format selects "json" or text
// output; unrecognized levels fall back to info. Debug level also turns
// on source locations.
func New(level, format string) *slog.Logger {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithLogger stores logger in ctx for L to find.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithRequestID tags ctx with the request correlation ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithIntentID tags ctx with the intent being executed.
func WithIntentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, intentIDKey, id)
}

// RequestID returns the request ID tagged on ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// IntentID returns the intent ID tagged on ctx, or "".
func IntentID(ctx context.Context) string {
	id, _ := ctx.Value(intentIDKey).(string)
	return id
}

// L returns the context's logger with every correlation ID attached.
// With nothing stored it falls back to slog.Default.
func L(ctx context.Context) *slog.Logger {
	logger, ok := ctx.Value(loggerKey).(*slog.Logger)
	if !ok {
		logger = slog.Default()
	}
	if id := RequestID(ctx); id != "" {
		logger = logger.With("request_id", id)
	}
	if id := IntentID(ctx); id != "" {
		logger = logger.With("intent_id", id)
	}
	return logger
}
