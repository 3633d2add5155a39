// ABOUTME: Structured logger setup
// ABOUTME: slog text handler writing to the log file and, without the TUI, stdout
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Config selects the level and outputs
type Config struct {
	Level  slog.Level
	File   string // empty disables file output
	Stdout bool
}

// Logger is a configured slog logger plus the file it owns
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
	file  *os.File
}

// New builds the logger. With no outputs selected logs are discarded.
func New(cfg Config) (*Logger, error) {
	var writers []io.Writer
	var file *os.File

	if cfg.File != "" {
		if dir := filepath.Dir(cfg.File); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		writers = append(writers, f)
	}
	if cfg.Stdout {
		writers = append(writers, os.Stdout)
	}

	var out io.Writer = io.Discard
	if len(writers) > 0 {
		out = io.MultiWriter(writers...)
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Level)

	return &Logger{
		Logger: slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})),
		level:  level,
		file:   file,
	}, nil
}

// SetLevel changes the level of a running logger
func (l *Logger) SetLevel(level slog.Level) {
	l.level.Set(level)
}

// Close closes the log file
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
