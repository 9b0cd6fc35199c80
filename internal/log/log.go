// Package log wraps log/slog with the handler layout used by envhub:
// a level-filtered stderr handler plus an optional always-debug JSONL file.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
)

var (
	logger     *slog.Logger
	fileWriter *FileWriter
)

// Options configures the logger.
type Options struct {
	// Verbose lowers the stderr threshold from Info to Debug.
	Verbose bool
	// Quiet raises the stderr threshold to Warn. Verbose wins if both are set.
	Quiet bool
	// JSONFormat switches stderr output from text to JSON.
	JSONFormat bool
	// DebugDir receives daily JSONL files at debug level. Empty disables them.
	DebugDir string
	// RetentionDays removes debug files older than this many days (0 keeps all).
	RetentionDays int
	// Stderr overrides os.Stderr.
	Stderr io.Writer
}

// Init replaces the global logger.
func Init(opts Options) error {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	level := slog.LevelInfo
	switch {
	case opts.Verbose:
		level = slog.LevelDebug
	case opts.Quiet:
		level = slog.LevelWarn
	}

	var handlers []slog.Handler
	stderrOpts := &slog.HandlerOptions{Level: level}
	if opts.JSONFormat {
		handlers = append(handlers, slog.NewJSONHandler(stderr, stderrOpts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(stderr, stderrOpts))
	}

	if opts.DebugDir != "" {
		if opts.RetentionDays > 0 {
			Cleanup(opts.DebugDir, opts.RetentionDays)
		}
		fw, err := NewFileWriter(opts.DebugDir)
		if err != nil {
			return err
		}
		fileWriter = fw
		handlers = append(handlers, slog.NewJSONHandler(fw, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	logger = slog.New(&fanout{handlers: handlers})
	slog.SetDefault(logger)
	return nil
}

// Close flushes and closes the debug file, if any.
func Close() {
	if fileWriter != nil {
		fileWriter.Close()
		fileWriter = nil
	}
}

// fanout sends each record to every handler that accepts its level.
type fanout struct {
	handlers []slog.Handler
}

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanout) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &fanout{handlers: hs}
}

func (f *fanout) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &fanout{handlers: hs}
}

// Debug logs at debug level.
func Debug(msg string, args ...any) { logger.Debug(msg, args...) }

// Info logs at info level.
func Info(msg string, args ...any) { logger.Info(msg, args...) }

// Warn logs at warn level.
func Warn(msg string, args ...any) { logger.Warn(msg, args...) }

// Error logs at error level.
func Error(msg string, args ...any) { logger.Error(msg, args...) }

// With returns a child logger carrying args on every record.
func With(args ...any) *slog.Logger {
	return logger.With(args...)
}

// ForSession returns a logger tagged with the session container name and user.
func ForSession(session, user string) *slog.Logger {
	return logger.With(slog.String("session", session), slog.String("user", user))
}

// SetOutput sends all levels to w as text. Intended for tests.
func SetOutput(w io.Writer) {
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

func init() {
	logger = slog.Default()
}
