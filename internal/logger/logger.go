// Package logger builds the slog.Logger shared by the server components.
package logger

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the log level, the output format and the optional
// rotating log file. Environment "prod" selects JSON output.
type Config struct {
	Level       string
	Environment string
	WithSource  bool

	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func levelFromString(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level: " + level)
	}
}

// New creates a logger. When cfg.File is set, output goes to that file and is
// rotated by size and age; the returned closer releases it.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	lvl, err := levelFromString(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out, closer = rotating, rotating
	}
	return slog.New(newHandler(out, lvl, cfg)), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newHandler(w io.Writer, lvl slog.Level, cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{Level: lvl, AddSource: cfg.WithSource}
	if strings.ToLower(cfg.Environment) == "prod" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
