package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewWithFile_WritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api.log")
	l := NewWithFile("local", FileOptions{Path: path})
	l.Info("hello", "session_id", "s1")

	if err := ShutdownFlush(context.Background(), time.Second); err != nil {
		t.Fatalf("flush: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), `"session_id":"s1"`) {
		t.Fatalf("expected json line with session_id, got %q", string(b))
	}
}

func TestFrom_FallsBackToDefault(t *testing.T) {
	if From(context.Background()) == nil {
		t.Fatalf("expected default logger")
	}
	l := New("production")
	if From(With(context.Background(), l)) != l {
		t.Fatalf("expected stored logger")
	}
}
