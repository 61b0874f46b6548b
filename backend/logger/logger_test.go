package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWithLogDirWritesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	l := NewWithLogDir(dir)
	l.Info("scan session started")

	data, err := os.ReadFile(filepath.Join(dir, logFileName))
	if err != nil {
		t.Fatalf("expected log file, got %v", err)
	}
	if !strings.Contains(string(data), "scan session started") {
		t.Fatalf("expected message in log file, got %q", string(data))
	}
}
