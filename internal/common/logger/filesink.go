package logger

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap/zapcore"
)

// fileSink writes to a date-stamped file under dir and runs a background
// sweeper that deletes files older than keepDays or once the directory
// exceeds maxTotalMB, oldest first.
type fileSink struct {
	file *os.File
	stop chan struct{}
}

func newFileSink(dir string, keepDays, maxTotalMB int) (zapcore.WriteSyncer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	name := filepath.Join(dir, time.Now().Format("2006-01-02")+".log")
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	sink := &fileSink{file: f, stop: make(chan struct{})}
	go sink.sweepLoop(dir, keepDays, maxTotalMB)
	return sink, nil
}

func (s *fileSink) Write(p []byte) (int, error) { return s.file.Write(p) }
func (s *fileSink) Sync() error                 { return s.file.Sync() }

func (s *fileSink) sweepLoop(dir string, keepDays, maxTotalMB int) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sweep(dir, keepDays, maxTotalMB)
		case <-s.stop:
			return
		}
	}
}

func sweep(dir string, keepDays, maxTotalMB int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	type logFile struct {
		path string
		info os.FileInfo
	}
	var files []logFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{path: filepath.Join(dir, e.Name()), info: info})
	}

	cutoff := time.Now().AddDate(0, 0, -keepDays)
	var total int64
	kept := files[:0]
	for _, f := range files {
		if keepDays > 0 && f.info.ModTime().Before(cutoff) {
			os.Remove(f.path)
			continue
		}
		kept = append(kept, f)
		total += f.info.Size()
	}

	if maxTotalMB <= 0 {
		return
	}
	limit := int64(maxTotalMB) * 1024 * 1024
	sort.Slice(kept, func(i, j int) bool { return kept[i].info.ModTime().Before(kept[j].info.ModTime()) })
	for _, f := range kept {
		if total <= limit {
			break
		}
		if err := os.Remove(f.path); err != nil {
			continue
		}
		total -= f.info.Size()
	}
}
