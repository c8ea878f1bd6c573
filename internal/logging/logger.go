// Package logging builds the structured logger shared by every component.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/xelth-com/eckdisplay/internal/config"
)

// New returns a slog logger configured from cfg.
// Format "text" selects the human readable handler, anything else JSON.
func New(cfg config.LogConfig, version string) *slog.Logger {
	return NewWithWriter(cfg, version, os.Stdout)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(cfg config.LogConfig, version string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "eckdisplay"),
		slog.String("version", version),
	})
	return slog.New(handler)
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
