package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Config holds logger configuration
type Config struct {
	Level        string // debug, info, warn, error
	Format       string // json, console
	Output       string // stdout, stderr, or file path
	EnableSource bool
	TimeFormat   string // console timestamps, RFC3339 when empty

	writer io.Writer // overrides Output when set
}

// Logger is the service logger. When Output names a file, Close releases it.
type Logger struct {
	*slog.Logger
	file *os.File
}

// New builds a tint console handler or a JSON handler over the configured
// output.
func New(config *Config) (*Logger, error) {
	l := &Logger{}

	writer := config.writer
	color := false
	if writer == nil {
		switch config.Output {
		case "stdout", "":
			writer, color = os.Stdout, true
		case "stderr":
			writer, color = os.Stderr, true
		default:
			f, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("failed to open log file %s: %w", config.Output, err)
			}
			writer, l.file = f, f
		}
	}

	level := parseLevel(config.Level)

	switch config.Format {
	case "json":
		l.Logger = slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
			Level:     level,
			AddSource: config.EnableSource,
		}))
	case "console", "":
		timeFormat := config.TimeFormat
		if timeFormat == "" {
			timeFormat = time.RFC3339
		}
		l.Logger = slog.New(tint.NewHandler(writer, &tint.Options{
			Level:      level,
			AddSource:  config.EnableSource,
			TimeFormat: timeFormat,
			NoColor:    !color,
		}))
	default:
		l.Close()
		return nil, fmt.Errorf("unknown log format %q", config.Format)
	}

	return l, nil
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// parseLevel falls back to info for empty or unknown levels.
func parseLevel(s string) slog.Level {
	if s == "warning" {
		s = "warn"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
