// Package logging builds the structured logger used throughout the actor.
//
// Grounded on _examples/mmp-vice/pkg/log: log/slog fanned out to a rotating
// file via lumberjack, with a small wrapper type so call sites don't need to
// plumb handler options around.
package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps slog.Logger with the file handle it owns, so callers can
// flush/rotate on shutdown without reaching back into lumberjack directly.
type Logger struct {
	*slog.Logger
	file *lumberjack.Logger
}

// New builds a Logger that writes level-filtered, rotated JSON lines to
// <dir>/tccd.log, in addition to a human-readable stream on stderr when
// debug is requested.
func New(dir string, debug bool) (*Logger, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	file := &lumberjack.Logger{
		Filename: filepath.Join(dir, "tccd.log"),
		MaxSize:  64, // MB
		MaxAge:   14, // days
		Compress: true,
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	l := slog.New(handler)

	if debug {
		// Mirror to stderr in human-readable form too, for interactive runs.
		textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		l = slog.New(fanoutHandler{handler, textHandler})
	}

	return &Logger{Logger: l, file: file}, nil
}

// Close flushes and closes the underlying rotated log file.
func (l *Logger) Close() error {
	return l.file.Close()
}

// fanoutHandler dispatches every record to each of its children. Used only
// when debug logging is requested, so interactive runs see logs on stderr
// as well as in the rotated file.
type fanoutHandler struct {
	a, b slog.Handler
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return f.a.Enabled(ctx, level) || f.b.Enabled(ctx, level)
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := f.a.Handle(ctx, r.Clone()); err != nil {
		return err
	}
	return f.b.Handle(ctx, r.Clone())
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return fanoutHandler{f.a.WithAttrs(attrs), f.b.WithAttrs(attrs)}
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	return fanoutHandler{f.a.WithGroup(name), f.b.WithGroup(name)}
}
