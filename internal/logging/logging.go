// Package logging wires the structured slog logger used across the
// platform and bridges it to logrus.FieldLogger for the identity proxy,
// which is built on gorilla/handlers request logging and expects that
// interface.
package logging

import (
	"context"
	"log/slog"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the root logger. Format is either "json" or "text"; level is
// one of "debug", "info", "warn", "error".
func New(format, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// WithRequest returns a logger annotated with per-request correlation
// fields (tenant_id, request_id).
func WithRequest(logger *slog.Logger, tenantID, requestID string) *slog.Logger {
	return logger.With("tenant_id", tenantID, "request_id", requestID)
}

// NewLogrusBridge returns a separate logrus.FieldLogger that writes JSON to
// stderr, at debug level when the given slog logger has debug enabled and
// at info level otherwise; entries do not pass through the slog handler.
// It serves logrus-typed constructors such as internal/proxy.New.
func NewLogrusBridge(logger *slog.Logger) logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	l.SetFormatter(&logrus.JSONFormatter{})
	return l
}
