package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// NewLogger builds the service logger: JSON on stdout, or colourised text on
// stderr when env is "dev". It also becomes the slog default so components
// handed a nil logger still carry the service attributes.
func NewLogger(level string, serviceName string, env string) *slog.Logger {
	var h slog.Handler
	if strings.EqualFold(env, "dev") {
		h = newDevHandler(os.Stderr, parseLevel(level))
	} else {
		h = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(level)})
	}
	logger := slog.New(h).With(
		slog.String("service", serviceName),
		slog.String("env", env),
	)
	slog.SetDefault(logger)
	return logger
}

func newDevHandler(w io.Writer, level slog.Level) slog.Handler {
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		AddSource:  level == slog.LevelDebug,
	})
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
