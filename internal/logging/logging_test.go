package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFromContext_DefaultWhenMissing(t *testing.T) {
	t.Parallel()

	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext returned nil for empty context")
	}
}

func TestWithLogger_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "info")

	log := NewWithWriter(&buf)
	ctx := WithLogger(context.Background(), log)
	FromContext(ctx).Info("hello", slog.String("k", "v"))

	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("expected JSON record in output, got %q", buf.String())
	}
}

func TestNewWithWriter_ServiceAttrsAndFormat(t *testing.T) {
	var buf bytes.Buffer
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_SOURCE", "")

	log := NewWithWriter(&buf)
	log.Info("dropped")
	log.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("info record emitted at warn level: %q", out)
	}
	if !strings.Contains(out, "msg=kept") || !strings.Contains(out, "service=corpusqa") || !strings.Contains(out, "version=dev") {
		t.Errorf("text record missing fields: %q", out)
	}
	if strings.Contains(out, "source=") {
		t.Errorf("source attached without LOG_SOURCE: %q", out)
	}
}
