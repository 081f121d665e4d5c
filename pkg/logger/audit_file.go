package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const backupLayout = "20060102T150405.000"

// auditFile is an append-only writer that rolls over on size or at the UTC
// day boundary. Rolled files are named <path>.<timestamp>.
type auditFile struct {
	mu         sync.Mutex
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	now        func() time.Time

	file   *os.File
	size   int64
	opened time.Time
}

func newAuditFile(path string, maxSizeMB, maxBackups, maxAgeDays int) (*auditFile, error) {
	if path == "" {
		return nil, errors.New("path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 14
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 90
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &auditFile{
		path:       path,
		maxSize:    int64(maxSizeMB) << 20,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
		now:        time.Now,
	}, nil
}

// Write appends one record and syncs it to disk.
func (w *auditFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now().UTC()
	if w.file == nil {
		if err := w.open(now); err != nil {
			return 0, err
		}
	}
	if w.size > 0 && (w.size+int64(len(p)) > w.maxSize || !sameDay(w.opened, now)) {
		if err := w.roll(now); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	if err != nil {
		return n, err
	}
	return n, w.file.Sync()
}

func (w *auditFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

func (w *auditFile) open(now time.Time) error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	w.file = file
	w.size = info.Size()
	w.opened = now
	if w.size > 0 {
		w.opened = info.ModTime().UTC()
	}
	return nil
}

func (w *auditFile) roll(now time.Time) error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	w.file = nil
	if err := os.Rename(w.path, w.path+"."+now.Format(backupLayout)); err != nil {
		return fmt.Errorf("roll audit log: %w", err)
	}
	w.prune(now)
	return w.open(now)
}

// prune keeps the newest maxBackups rolled files and drops those older than maxAge.
func (w *auditFile) prune(now time.Time) {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return
	}
	prefix := w.path + "."
	var backups []string
	for _, m := range matches {
		if _, err := time.Parse(backupLayout, strings.TrimPrefix(m, prefix)); err == nil {
			backups = append(backups, m)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	cutoff := now.Add(-w.maxAge)
	for i, path := range backups {
		stamp, _ := time.Parse(backupLayout, strings.TrimPrefix(path, prefix))
		if i >= w.maxBackups || stamp.Before(cutoff) {
			_ = os.Remove(path)
		}
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
