package builder

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSinkCapturesLevelsAndAttrs(t *testing.T) {
	s := NewMemStore()
	_, err := s.Create("b1", BuildRequest{Project: "demo"})
	require.NoError(t, err)

	logger := NewLogger(s, "b1", nil).With("project", "demo")
	logger.Debug("resolving")
	logger.WithGroup("variant").Info("building", "name", "x64")
	logger.Error("failed", "error", "exit status 1")

	logs, err := s.Logs("b1")
	require.NoError(t, err)
	require.Len(t, logs, 3)

	require.Equal(t, slog.LevelDebug, logs[0].Level)
	require.Equal(t, "resolving project=demo", logs[0].Message)
	require.Equal(t, "building project=demo variant.name=x64", logs[1].Message)
	require.Equal(t, slog.LevelError, logs[2].Level)
	require.Equal(t, `failed project=demo error="exit status 1"`, logs[2].Message)
}

func TestSinkForwardsToNextHandler(t *testing.T) {
	s := NewMemStore()
	_, err := s.Create("b1", BuildRequest{Project: "demo"})
	require.NoError(t, err)

	var buf bytes.Buffer
	next := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := NewLogger(s, "b1", next)

	logger.Debug("hidden from process log")
	logger.Info("visible")

	logs, err := s.Logs("b1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "visible")
}

func TestSinkIgnoresRecordsAfterCompletion(t *testing.T) {
	s := NewMemStore()
	_, err := s.Create("b1", BuildRequest{Project: "demo"})
	require.NoError(t, err)
	_, err = s.Complete("b1", StatusSucceeded, "")
	require.NoError(t, err)

	sink := NewSink(s, "b1", nil)
	rec := slog.NewRecord(time.Now(), slog.LevelInfo, "late", 0)
	require.NoError(t, sink.Handle(context.Background(), rec))

	logs, err := s.Logs("b1")
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestFormatLine(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 45, 120_000_000, time.UTC)
	line := FormatLine(LogRecord{Level: slog.LevelWarn, Time: ts, Message: "careful"})
	require.Equal(t, "[WARN] [2024-03-01 12:30:45,120] careful", line)
	require.True(t, strings.HasSuffix(line, "careful"))
}
