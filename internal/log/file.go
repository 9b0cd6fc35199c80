package log

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

const (
	filePrefix = "envhub-"
	fileSuffix = ".jsonl"
	dayLayout  = "2006-01-02"
	latestLink = "latest"
)

// FileWriter appends to envhub-YYYY-MM-DD.jsonl in dir, switching files at
// midnight and keeping a "latest" symlink pointed at the current one.
type FileWriter struct {
	dir string

	mu   sync.Mutex
	file *os.File
	day  string
	now  func() time.Time
}

// NewFileWriter opens today's file under dir, creating dir if needed.
func NewFileWriter(dir string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating debug log dir: %w", err)
	}
	fw := &FileWriter{dir: dir, now: time.Now}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if err := fw.openLocked(fw.now().Format(dayLayout)); err != nil {
		return nil, err
	}
	return fw, nil
}

// Write implements io.Writer.
func (fw *FileWriter) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if day := fw.now().Format(dayLayout); day != fw.day {
		if err := fw.openLocked(day); err != nil {
			return 0, err
		}
	}
	return fw.file.Write(p)
}

// Close closes the current file.
func (fw *FileWriter) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.file == nil {
		return nil
	}
	err := fw.file.Close()
	fw.file = nil
	return err
}

func (fw *FileWriter) openLocked(day string) error {
	if fw.file != nil {
		fw.file.Close()
	}
	name := fileName(day)
	f, err := os.OpenFile(filepath.Join(fw.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	fw.file = f
	fw.day = day

	link := filepath.Join(fw.dir, latestLink)
	tmp := link + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(name, tmp); err == nil {
		_ = os.Rename(tmp, link)
	}
	return nil
}

func fileName(day string) string {
	return filePrefix + day + fileSuffix
}

var logFilePattern = regexp.MustCompile(`^envhub-(\d{4}-\d{2}-\d{2})\.jsonl$`)

// Cleanup deletes debug files in dir dated more than retentionDays ago.
// Files that do not follow the naming scheme are left alone.
func Cleanup(dir string, retentionDays int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := logFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		day, err := time.Parse(dayLayout, m[1])
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}
