// Package logger provides structured logging setup for texty.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dshills/texty/internal/config"
)

// Stderr is the Log.File value that selects standard error.
const Stderr = "-"

// Logger is a *slog.Logger that owns its output and whose level can be
// changed while running.
type Logger struct {
	*slog.Logger

	level *slog.LevelVar
	file  *os.File
}

// New creates a Logger from the given Log config. Output goes to
// cfg.File, the default state file when that is empty, or stderr for "-".
func New(cfg config.Log) (*Logger, error) {
	path := cfg.File
	if path == "" {
		path = DefaultFile()
	}
	if path == Stderr {
		return NewWithWriter(cfg, os.Stderr), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l := NewWithWriter(cfg, f)
	l.file = f
	return l, nil
}

// NewWithWriter creates a Logger writing to w. The caller keeps
// ownership of w.
func NewWithWriter(cfg config.Log, w io.Writer) *Logger {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &Logger{
		Logger: slog.New(handler).With("service", "texty"),
		level:  level,
	}
}

// SetLevel changes the minimum level, e.g. after a config reload.
func (l *Logger) SetLevel(s string) {
	l.level.Set(ParseLevel(s))
}

// Level returns the current minimum level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// Close closes the log file, if the Logger opened one.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// DefaultFile returns $XDG_STATE_HOME/texty/texty.log, falling back to
// ~/.local/state when XDG_STATE_HOME is unset.
func DefaultFile() string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "texty.log")
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "texty", "texty.log")
}

// ParseLevel converts a string log level to slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
