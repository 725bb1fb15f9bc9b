package ui_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sycomix/fstransform/internal/ui"
)

func TestMultiHandler_FansOut(t *testing.T) {
	var textBuf, jsonBuf bytes.Buffer
	textH := slog.NewTextHandler(&textBuf, &slog.HandlerOptions{Level: slog.LevelInfo})
	jsonH := slog.NewJSONHandler(&jsonBuf, &slog.HandlerOptions{Level: slog.LevelInfo})

	logger := slog.New(ui.NewMultiHandler(textH, jsonH))
	logger.Info("remap started", "job", 1)

	assert.Contains(t, textBuf.String(), "remap started")
	assert.Contains(t, jsonBuf.String(), `"remap started"`)
}

func TestMultiHandler_LevelFiltering(t *testing.T) {
	var debugBuf, warnBuf bytes.Buffer
	debugH := slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug})
	warnH := slog.NewTextHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn})

	logger := slog.New(ui.NewMultiHandler(debugH, warnH))
	logger.Debug("noisy detail")

	assert.Contains(t, debugBuf.String(), "noisy detail")
	assert.Empty(t, warnBuf.String())
}

func TestMultiHandler_Enabled(t *testing.T) {
	warnH := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	errH := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError})

	m := ui.NewMultiHandler(warnH, errH)
	assert.True(t, m.Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, m.Enabled(context.Background(), slog.LevelError))
	assert.False(t, m.Enabled(context.Background(), slog.LevelInfo))
}

func TestMultiHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	m := ui.NewMultiHandler(h)

	logger := slog.New(m.WithAttrs([]slog.Attr{slog.String("component", "remap")}))
	logger.Info("hello")

	require.Contains(t, buf.String(), "component=remap")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "0 B", ui.FormatBytes(0))
	assert.Equal(t, "512 B", ui.FormatBytes(512))
	assert.Equal(t, "1.0 KiB", ui.FormatBytes(1024))
	assert.Equal(t, "1.5 MiB", ui.FormatBytes(3<<20/2))
	assert.Equal(t, "2.0 GiB", ui.FormatBytes(2<<30))
}
