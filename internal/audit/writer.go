package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DailyWriter appends JSON lines to a date-stamped file
// (<dir>/<prefix>-YYYY-MM-DD.jsonl), rolling over lazily when the date
// changes. It backs both the collector's pair audit copies and the
// gateway's request log, keeping a human-readable record independent of
// the database.
type DailyWriter struct {
	dir    string
	prefix string

	mu   sync.Mutex
	file *os.File
	day  string

	// now is swappable for tests
	now func() time.Time
}

// NewDailyWriter creates a writer rooted at dir; the directory is created
// if missing.
func NewDailyWriter(dir, prefix string) (*DailyWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit dir %s: %w", dir, err)
	}
	return &DailyWriter{dir: dir, prefix: prefix, now: time.Now}, nil
}

// Write marshals v as one JSON line and appends it to today's file
func (w *DailyWriter) Write(v interface{}) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	day := w.now().Format("2006-01-02")
	if w.file == nil || day != w.day {
		if w.file != nil {
			w.file.Close()
		}
		path := filepath.Join(w.dir, fmt.Sprintf("%s-%s.jsonl", w.prefix, day))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open audit file %s: %w", path, err)
		}
		w.file = f
		w.day = day
	}

	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// Close releases the current file handle
func (w *DailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
