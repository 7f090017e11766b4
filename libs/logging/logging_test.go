package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDevHandlerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newDevHandler(&buf, slog.LevelWarn))

	logger.Info("hidden")
	logger.Warn("surge capped", "pct", 25)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "surge capped") || !strings.Contains(out, "25") {
		t.Fatalf("expected warn line, got %q", out)
	}
}
