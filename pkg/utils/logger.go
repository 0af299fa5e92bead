package utils

import (
	"io"
	"log/slog"

	"aaronromeo.com/mailpeek/pkg/base"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

// NewLogger returns a JSON logger on w. With telemetry enabled, records go
// to the global OpenTelemetry logger provider instead.
func NewLogger(w io.Writer, verbose, telemetryEnabled bool) *slog.Logger {
	if telemetryEnabled {
		return otelslog.NewLogger(base.ServiceName)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
