package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOptions configures the optional rotating log file.
// An empty Path disables the file sink.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	fileMu sync.Mutex
	file   *lumberjack.Logger
)

// New returns a production-friendly structured logger.
// No business logic should depend on logging implementation details.
func New(appEnv string) *slog.Logger {
	return NewWithFile(appEnv, FileOptions{})
}

// NewWithFile is New plus a lumberjack rotating file next to stdout.
func NewWithFile(appEnv string, fo FileOptions) *slog.Logger {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stdout
	if fo.Path != "" {
		lj := &lumberjack.Logger{
			Filename:   fo.Path,
			MaxSize:    orDefault(fo.MaxSizeMB, 100),
			MaxBackups: orDefault(fo.MaxBackups, 5),
			MaxAge:     orDefault(fo.MaxAgeDays, 14),
			Compress:   true,
		}
		fileMu.Lock()
		if file != nil {
			_ = file.Close()
		}
		file = lj
		fileMu.Unlock()
		w = io.MultiWriter(os.Stdout, lj)
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}

// ShutdownFlush closes the rotating file sink, if one was opened.
func ShutdownFlush(ctx context.Context, timeout time.Duration) error {
	fileMu.Lock()
	lj := file
	file = nil
	fileMu.Unlock()
	if lj == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- lj.Close() }()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}
