package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestForComponentBeforeInit(t *testing.T) {
	// Loggers created before Init must pick up the real handler afterwards.
	early := ForComponent("early")

	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "debug", Debug: true})
	defer Shutdown()

	early.Info("late_bound_message")

	data, err := os.ReadFile(filepath.Join(dir, "relay.log"))
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "late_bound_message") {
		t.Error("message from pre-Init logger missing")
	}
	if !strings.Contains(string(data), `"component":"early"`) {
		t.Error("component attribute missing")
	}
}

func TestInitWithoutDirDiscards(t *testing.T) {
	Init(Config{})
	defer Shutdown()
	// Must not panic and must return a usable logger.
	Logger().Info("discarded")
	ForComponent("x").Debug("discarded too")
}

func TestDumpRingBuffer(t *testing.T) {
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "info", Debug: true})
	defer Shutdown()

	Logger().Info("crumb_for_dump")

	out := filepath.Join(dir, "dump.log")
	if err := DumpRingBuffer(out); err != nil {
		t.Fatalf("dump failed: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if !strings.Contains(string(data), "crumb_for_dump") {
		t.Error("ring buffer missing logged line")
	}
}
