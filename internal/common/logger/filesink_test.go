package logger

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeLogFile(t *testing.T, dir, name string, size int, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	stamp := time.Now().Add(-age)
	if err := os.Chtimes(path, stamp, stamp); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
	return path
}

func TestSweepRemovesExpiredFiles(t *testing.T) {
	dir := t.TempDir()
	old := writeLogFile(t, dir, "old.log", 10, 40*24*time.Hour)
	fresh := writeLogFile(t, dir, "fresh.log", 10, time.Hour)

	sweep(dir, 30, 100)

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("files older than keepDays must be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh files must survive")
	}
}

func TestSweepEnforcesTotalSizeOldestFirst(t *testing.T) {
	dir := t.TempDir()
	oldest := writeLogFile(t, dir, "a.log", 1024*1024, 3*time.Hour)
	middle := writeLogFile(t, dir, "b.log", 1024*1024, 2*time.Hour)
	newest := writeLogFile(t, dir, "c.log", 1024*1024, time.Hour)

	sweep(dir, 30, 2)

	if _, err := os.Stat(oldest); !os.IsNotExist(err) {
		t.Error("the oldest file must go first when over the size cap")
	}
	if _, err := os.Stat(middle); err != nil {
		t.Error("the middle file must survive at exactly the cap")
	}
	if _, err := os.Stat(newest); err != nil {
		t.Error("the newest file must survive")
	}
}

func TestSweepZeroLimitsKeepEverything(t *testing.T) {
	dir := t.TempDir()
	kept := writeLogFile(t, dir, "a.log", 1024, 400*24*time.Hour)

	sweep(dir, 0, 0)

	if _, err := os.Stat(kept); err != nil {
		t.Error("zero limits must disable both sweeps")
	}
}
