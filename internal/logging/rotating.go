package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultMaxSizeMB  = 50
	defaultMaxBackups = 3

	// backupStamp sorts lexically in time order.
	backupStamp = "20060102T150405.000000000"
)

// RotatingWriter is an io.Writer over a log file. Once the file would grow
// past maxBytes it is renamed to <stem>-<timestamp><ext> and a fresh file is
// opened; only the newest maxBackups backups are kept.
type RotatingWriter struct {
	mu         sync.Mutex
	path       string
	maxBytes   int64
	maxBackups int
	file       *os.File
	size       int64
	now        func() time.Time
	lastStamp  time.Time
	onRotate   func(error)
}

// NewRotatingWriter opens (or creates) path for appending.
func NewRotatingWriter(path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB < 1 {
		maxSizeMB = defaultMaxSizeMB
	}
	if maxBackups < 1 {
		maxBackups = defaultMaxBackups
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	w := &RotatingWriter{
		path:       path,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		now:        time.Now,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

// OnRotate registers a callback run after every rotation attempt with its
// outcome. It is called with the writer's lock held and must not write to it.
func (w *RotatingWriter) OnRotate(fn func(err error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onRotate = fn
}

// Write implements io.Writer.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		err := w.rotate()
		if err != nil {
			// Keep logging into whatever file is open.
			fmt.Fprintf(os.Stderr, "ruleforge: log rotation failed: %v\n", err)
		}
		if w.onRotate != nil {
			w.onRotate(err)
		}
		if w.file == nil {
			return 0, os.ErrClosed
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the underlying file. Further writes fail with os.ErrClosed.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Backups lists the backup files on disk, oldest first.
func (w *RotatingWriter) Backups() ([]string, error) {
	stem, ext := w.split()
	matches, err := filepath.Glob(stem + "-*" + ext)
	if err != nil {
		return nil, err
	}
	backups := matches[:0]
	for _, m := range matches {
		stamp := strings.TrimSuffix(strings.TrimPrefix(m, stem+"-"), ext)
		if _, err := time.Parse(backupStamp, stamp); err == nil {
			backups = append(backups, m)
		}
	}
	sort.Strings(backups)
	return backups, nil
}

func (w *RotatingWriter) split() (stem, ext string) {
	ext = filepath.Ext(w.path)
	return strings.TrimSuffix(w.path, ext), ext
}

// backupName returns a name for the next backup. Stamps strictly increase
// so two rotations in the same instant never collide.
func (w *RotatingWriter) backupName() string {
	ts := w.now().UTC()
	if !ts.After(w.lastStamp) {
		ts = w.lastStamp.Add(time.Nanosecond)
	}
	w.lastStamp = ts
	stem, ext := w.split()
	return stem + "-" + ts.Format(backupStamp) + ext
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) rotate() error {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}

	if err := os.Rename(w.path, w.backupName()); err != nil && !os.IsNotExist(err) {
		if openErr := w.open(); openErr != nil {
			return openErr
		}
		return fmt.Errorf("renaming log file: %w", err)
	}
	if err := w.open(); err != nil {
		return err
	}
	return w.prune()
}

func (w *RotatingWriter) prune() error {
	backups, err := w.Backups()
	if err != nil {
		return err
	}
	for len(backups) > w.maxBackups {
		if err := os.Remove(backups[0]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing old log: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}

// RequestIDGenerator hands out request ids for gateway tracing: a per-process
// prefix followed by a counter.
type RequestIDGenerator struct {
	prefix  string
	counter atomic.Uint64
}

// NewRequestIDGenerator derives the prefix from the process start time.
func NewRequestIDGenerator() *RequestIDGenerator {
	return &RequestIDGenerator{
		prefix: fmt.Sprintf("%06x", time.Now().UnixNano()&0xFFFFFF),
	}
}

// Next returns the next id, e.g. "rf-1a2b3c-000042".
func (g *RequestIDGenerator) Next() string {
	return fmt.Sprintf("rf-%s-%06d", g.prefix, g.counter.Add(1))
}
