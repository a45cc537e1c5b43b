package es_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/getpup/puprelay/es"
)

// TestNoOpLogger verifies the NoOpLogger doesn't panic.
func TestNoOpLogger(t *testing.T) {
	ctx := context.Background()
	logger := es.NoOpLogger{}

	logger.Debug(ctx, "debug message", "key", "value")
	logger.Info(ctx, "info message", "key", "value")
	logger.Error(ctx, "error message", "key", "value")
}

func TestLoggerInterface(t *testing.T) {
	var _ es.Logger = es.NoOpLogger{}
	var _ es.Logger = es.NewSlogLogger(nil)
}

func TestSlogLogger(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := es.NewSlogLogger(slog.New(handler)).With("component", "test")

	ctx := context.Background()
	logger.Debug(ctx, "debug record", "stream_id", "document-1")
	logger.Info(ctx, "info record")
	logger.Error(ctx, "error record", "error", "boom")

	out := buf.String()
	for _, want := range []string{
		"level=DEBUG", "msg=\"debug record\"", "stream_id=document-1",
		"level=INFO", "level=ERROR", "error=boom", "component=test",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}
