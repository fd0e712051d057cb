// Package logging builds the process-wide slog logger. The CLI creates one
// Handle at startup, injects Logger() into components and calls Close on
// exit.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Options selects the log level, format and optional log file.
type Options struct {
	Level  string
	Format string
	// File, when set, receives a copy of every record.
	File string
	// Output defaults to os.Stderr.
	Output io.Writer
}

// Handle owns the logger and its log file.
type Handle struct {
	logger *slog.Logger
	file   *os.File
}

// ParseLevel maps a level name to slog.Level. Unknown names are info.
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

// New creates a Handle from opts.
func New(opts Options) (*Handle, error) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	h := &Handle{}
	if opts.File != "" {
		if dir := filepath.Dir(opts.File); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		h.file = f
		out = io.MultiWriter(out, f)
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var handler slog.Handler
	if strings.ToLower(opts.Format) == "json" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	h.logger = slog.New(handler)
	return h, nil
}

// Logger returns the configured logger.
func (h *Handle) Logger() *slog.Logger { return h.logger }

// Close flushes and closes the log file, if any. It is safe to call twice.
func (h *Handle) Close() error {
	if h == nil || h.file == nil {
		return nil
	}
	err := h.file.Sync()
	if closeErr := h.file.Close(); err == nil {
		err = closeErr
	}
	h.file = nil
	return err
}
