// Package logger provides structured JSON logging built on log/slog.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/dreamnet/spine/internal/config"
)

// New builds a JSON slog.Logger from logging configuration and sets it as
// the process default.
func New(cfg config.Logging) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})

	log := slog.New(handler).With(
		slog.String("service", cfg.Service),
	)
	slog.SetDefault(log)
	return log
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
