package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "text", cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)
	assert.Equal(t, 10, cfg.MaxSizeMB)
	assert.Equal(t, 5, cfg.MaxBackups)
	assert.Equal(t, 28, cfg.MaxAgeDays)
}

func TestSetup_Formats(t *testing.T) {
	for _, format := range []string{"text", "json", "", "JSON"} {
		t.Run(format, func(t *testing.T) {
			require.NoError(t, Setup(Config{Level: "debug", Format: format, Output: "stdout"}))
		})
	}
}

func TestSetup_StderrOutput(t *testing.T) {
	assert.NoError(t, Setup(Config{Level: "warn", Format: "text", Output: "stderr"}))
}

func TestSetup_FileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "nested", "bridge.log")

	require.NoError(t, Setup(Config{
		Level:     "info",
		Format:    "json",
		Output:    logFile,
		MaxSizeMB: 1,
	}))
	t.Cleanup(func() {
		Close()
		Setup(DefaultConfig())
	})

	Info("written to file", "stage", "connected")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.Contains(t, string(data), `"stage":"connected"`)
}

func TestSetup_InvalidLevel(t *testing.T) {
	err := Setup(Config{Level: "invalid", Format: "text", Output: "stdout"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log level")
}

func TestSetup_InvalidFormat(t *testing.T) {
	err := Setup(Config{Level: "info", Format: "invalid", Output: "stdout"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log format")
}

func TestSetup_InvalidFilePath(t *testing.T) {
	err := Setup(Config{Level: "info", Format: "text", Output: "/dev/null/impossible/path/log.txt"})
	assert.Error(t, err)
}

func TestSetup_EmptyDefaults(t *testing.T) {
	assert.NoError(t, Setup(Config{}))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"invalid", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := parseLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, level)
		})
	}
}

func TestGetOutput_Streams(t *testing.T) {
	for _, out := range []string{"stdout", "STDOUT", "stderr", ""} {
		w, closer, err := getOutput(Config{Output: out})
		require.NoError(t, err, out)
		assert.NotNil(t, w)
		assert.Nil(t, closer)
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer

	loggerMu.Lock()
	old := defaultLogger
	defaultLogger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	loggerMu.Unlock()
	t.Cleanup(func() {
		loggerMu.Lock()
		defaultLogger = old
		loggerMu.Unlock()
	})

	WithComponent("session").Info("stage changed")
	Debug("debug message")
	Warn("warn message")
	Error("error message")

	out := buf.String()
	assert.Contains(t, out, "component=session")
	assert.Contains(t, out, "stage changed")
	assert.True(t, strings.Contains(out, "debug message"))
	assert.True(t, strings.Contains(out, "warn message"))
	assert.True(t, strings.Contains(out, "error message"))
}
