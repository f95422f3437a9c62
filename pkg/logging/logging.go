package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a log_level setting to a slog level. Unknown names mean info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup installs a text logger as the slog default. Output goes to logPath
// when it can be opened, otherwise to defaultWriter. The returned closer
// releases the log file.
func Setup(logLevelStr string, logPath string, defaultWriter io.Writer) io.Closer {
	level := ParseLevel(logLevelStr)

	var closer io.Closer = nopCloser{}
	logWriter := defaultWriter
	if logPath != "" {
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			tempLogger := slog.New(slog.NewTextHandler(defaultWriter, nil))
			tempLogger.Error("Failed to open configured log file, falling back to default writer", "path", logPath, "error", err)
		} else {
			logWriter = logFile
			closer = logFile
		}
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logWriter, opts)))
	return closer
}
