package logging_test

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yolkispalkis/pacgate/pkg/logging"
)

// Setup replaces the default logger, so these tests do not run in parallel.

func TestSetupLevels(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	defer logging.Setup("warn", "", &buf).Close()
	slog.Info("hidden")
	slog.Warn("shown", "key", "value")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "msg=shown key=value")
}

func TestSetupLogFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	path := filepath.Join(t.TempDir(), "pacgate.log")
	var fallback bytes.Buffer
	closer := logging.Setup("debug", path, &fallback)
	slog.Debug("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "to file")
	require.Empty(t, fallback.String())

	defer logging.Setup("info", filepath.Join(t.TempDir(), "missing", "dir", "x.log"), &fallback).Close()
	require.Contains(t, fallback.String(), "Failed to open configured log file")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	require.Equal(t, slog.LevelDebug, logging.ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, logging.ParseLevel("warning"))
	require.Equal(t, slog.LevelError, logging.ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, logging.ParseLevel("chatty"))
}
