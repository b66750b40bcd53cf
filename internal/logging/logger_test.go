package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"conveyor/internal/services"
)

func TestConsoleHandlerFormatsLine(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	logger := slog.New(newConsoleHandler(&buf, lvl)).With(String(FieldComponent, "worker"))

	logger.Info("stage started", String(FieldStage, "parse"), Int("attempt", 2))

	line := buf.String()
	for _, fragment := range []string{"INFO", "worker: stage started", "stage=parse", "attempt=2"} {
		if !strings.Contains(line, fragment) {
			t.Fatalf("expected %q in %q", fragment, line)
		}
	}
}

func TestConsoleHandlerQuotesValues(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	logger := slog.New(newConsoleHandler(&buf, lvl))

	logger.Warn("lease renewal failed", String("reason", "lease already expired"))

	if !strings.Contains(buf.String(), `reason="lease already expired"`) {
		t.Fatalf("expected quoted value in %q", buf.String())
	}
}

func TestWithContextAttachesFields(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	logger := slog.New(newConsoleHandler(&buf, lvl))

	ctx := services.WithWorkflowID(context.Background(), "wf-123")
	ctx = services.WithStage(ctx, "extract")
	ctx = services.WithJobID(ctx, "job-9")

	WithContext(ctx, logger).Info("progress")

	line := buf.String()
	for _, fragment := range []string{"workflow_id=wf-123", "stage=extract", "job_id=job-9"} {
		if !strings.Contains(line, fragment) {
			t.Fatalf("expected %q in %q", fragment, line)
		}
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "logfmt"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
