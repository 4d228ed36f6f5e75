// Package export records every metric to rotating CSV and NDJSON files and
// keeps a bounded archive of rotated files.
package export

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/torosent/metricbus/internal/logging"
	"github.com/torosent/metricbus/internal/metric"
	"github.com/torosent/metricbus/internal/security"
)

const (
	archiveDir = "archive"
	lockFile   = ".metricbus.lock"
	filePrefix = "metrics_"

	fileTimeLayout    = "20060102_150405.000000"
	archiveTimeLayout = "20060102T150405.000000000"
)

var (
	ErrDirectoryLocked = errors.New("export directory is locked by another process")
	ErrClosed          = errors.New("exporter closed")
)

// Options configures an Exporter. Zero values fall back to defaults.
type Options struct {
	Directory        string
	CSV              bool
	NDJSON           bool
	MaxFileSize      int64
	RotationInterval time.Duration
	CheckInterval    time.Duration
	Retention        int
	Logger           *slog.Logger
	Now              func() time.Time
}

type fileWriter struct {
	format Format
	path   string
	file   *os.File
	bytes  int64
}

// FileStatus describes the file currently written for one format.
type FileStatus struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// Status is a point-in-time view of the exporter.
type Status struct {
	Directory    string                `json:"directory"`
	Files        map[Format]FileStatus `json:"files"`
	LastRotation time.Time             `json:"last_rotation"`
	Rotations    int64                 `json:"rotations"`
	Archived     int                   `json:"archived"`
	Written      int64                 `json:"written"`
}

// Exporter appends metrics to the enabled formats. Writes are serialized by
// writeMu; handle state is guarded by mu, with Status taking the read side.
type Exporter struct {
	opts   Options
	dir    string
	arch   string
	logger *slog.Logger
	lock   *flock.Flock

	writeMu sync.Mutex

	mu           sync.RWMutex
	writers      map[Format]*fileWriter
	formats      []Format
	lastRotation time.Time
	rotations    int64
	written      int64
	closed       bool
}

// New creates the export directory, takes an exclusive lock on it and opens
// the first set of files.
func New(opts Options) (*Exporter, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = 10 * 1024 * 1024
	}
	if opts.RotationInterval <= 0 {
		opts.RotationInterval = time.Hour
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 10
	}
	if strings.TrimSpace(opts.Directory) == "" {
		opts.Directory = "metrics_export"
	}

	dir, err := filepath.Abs(opts.Directory)
	if err != nil {
		return nil, fmt.Errorf("export directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}
	arch, err := security.SanitizePath(dir, archiveDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(arch, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock export directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", dir, ErrDirectoryLocked)
	}

	e := &Exporter{
		opts:    opts,
		dir:     dir,
		arch:    arch,
		logger:  logging.OrDiscard(opts.Logger).With("component", "export"),
		lock:    lock,
		writers: make(map[Format]*fileWriter),
	}
	if opts.CSV {
		e.formats = append(e.formats, FormatCSV)
	}
	if opts.NDJSON {
		e.formats = append(e.formats, FormatNDJSON)
	}

	e.mu.Lock()
	e.openLocked()
	e.lastRotation = opts.Now()
	e.mu.Unlock()
	return e, nil
}

func (e *Exporter) Name() string { return "export" }

// Deliver writes m. It satisfies the bus sink interface.
func (e *Exporter) Deliver(_ context.Context, m metric.Metric) error {
	return e.Write(m)
}

// Write appends m to every enabled format and rotates if a file reached the
// size threshold. A format whose writer failed is skipped until the next
// rotation reopens it.
func (e *Exporter) Write(m metric.Metric) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	var errs []error
	for _, format := range e.formats {
		w := e.writers[format]
		if w == nil {
			continue
		}
		payload, err := e.encode(w, m)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s encode: %w", format, err))
			continue
		}
		n, err := w.file.Write(payload)
		w.bytes += int64(n)
		if err != nil {
			e.logger.Error("export write failed", "format", format, "path", w.path, "error", err)
			_ = w.file.Close()
			e.writers[format] = nil
			errs = append(errs, fmt.Errorf("%s write: %w", format, err))
		}
	}
	e.written++

	if e.sizeExceededLocked() {
		e.rotateLocked("size")
	}
	return errors.Join(errs...)
}

func (e *Exporter) encode(w *fileWriter, m metric.Metric) ([]byte, error) {
	switch w.format {
	case FormatCSV:
		if w.bytes == 0 {
			return encodeCSV(CSVHeader(), CSVRecord(m))
		}
		return encodeCSV(CSVRecord(m))
	default:
		return m.Line()
	}
}

func (e *Exporter) sizeExceededLocked() bool {
	for _, w := range e.writers {
		if w != nil && w.bytes >= e.opts.MaxFileSize {
			return true
		}
	}
	return false
}

// Run checks the rotation triggers every CheckInterval until ctx ends.
func (e *Exporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.CheckRotation()
		}
	}
}

// CheckRotation rotates once when the size threshold or the rotation
// interval has been reached. It reports whether a rotation happened.
func (e *Exporter) CheckRotation() bool {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false
	}
	byTime := e.opts.Now().Sub(e.lastRotation) >= e.opts.RotationInterval
	bySize := e.sizeExceededLocked()
	switch {
	case byTime && bySize:
		e.rotateLocked("size+time")
	case bySize:
		e.rotateLocked("size")
	case byTime:
		e.rotateLocked("time")
	default:
		return false
	}
	return true
}

// Rotate forces a rotation.
func (e *Exporter) Rotate() {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.rotateLocked("manual")
	}
}

func (e *Exporter) rotateLocked(reason string) {
	var closed []string
	for format, w := range e.writers {
		if w == nil {
			continue
		}
		if err := w.file.Close(); err != nil {
			e.logger.Warn("close export file", "path", w.path, "error", err)
		}
		if w.bytes > 0 {
			closed = append(closed, w.path)
		} else if err := os.Remove(w.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			e.logger.Warn("remove empty export file", "path", w.path, "error", err)
		}
		delete(e.writers, format)
	}

	for _, path := range closed {
		if dst, err := e.archive(path); err != nil {
			e.logger.Error("archive export file", "path", path, "error", err)
		} else {
			e.logger.Info("archived export file", "from", path, "to", dst)
		}
	}
	if err := e.prune(); err != nil {
		e.logger.Error("prune export archive", "error", err)
	}

	e.openLocked()
	e.lastRotation = e.opts.Now()
	e.rotations++
	e.logger.Info("rotated export files", "reason", reason, "rotation", e.rotations)
}

// openLocked opens a fresh file for every enabled format. Failures leave
// that format without a writer.
func (e *Exporter) openLocked() {
	stamp := e.opts.Now().UTC().Format(fileTimeLayout)
	for _, format := range e.formats {
		path, err := e.newFilePath(filePrefix+stamp, format.ext())
		if err != nil {
			e.logger.Error("export file name", "format", format, "error", err)
			continue
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			e.logger.Error("open export file", "path", path, "error", err)
			continue
		}
		e.writers[format] = &fileWriter{format: format, path: path, file: f}
	}
}

func (e *Exporter) newFilePath(stem, ext string) (string, error) {
	for i := 0; ; i++ {
		name := stem + ext
		if i > 0 {
			name = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		clean, err := security.SanitizeFilename(name)
		if err != nil {
			return "", err
		}
		path, err := security.SanitizePath(e.dir, clean)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return path, nil
		}
	}
}

// archive moves path into the archive directory, appending a timestamp to
// the name when it is already taken.
func (e *Exporter) archive(path string) (string, error) {
	name := filepath.Base(path)
	dst, err := security.SanitizePath(e.arch, name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dst); err == nil {
		suffixed, err := security.SanitizeFilename(name + "_" + e.opts.Now().UTC().Format(archiveTimeLayout))
		if err != nil {
			return "", err
		}
		if dst, err = security.SanitizePath(e.arch, suffixed); err != nil {
			return "", err
		}
	}
	if err := os.Rename(path, dst); err != nil {
		return "", err
	}
	return dst, nil
}

type archived struct {
	path    string
	modTime time.Time
}

func (e *Exporter) archivedFiles() ([]archived, error) {
	entries, err := os.ReadDir(e.arch)
	if err != nil {
		return nil, err
	}
	files := make([]archived, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, archived{path: filepath.Join(e.arch, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].path < files[j].path
		}
		return files[i].modTime.Before(files[j].modTime)
	})
	return files, nil
}

// prune deletes the oldest archived files beyond the retention cap.
func (e *Exporter) prune() error {
	files, err := e.archivedFiles()
	if err != nil {
		return err
	}
	var errs []error
	for len(files) > e.opts.Retention {
		if err := os.Remove(files[0].path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		} else {
			e.logger.Debug("pruned archived export file", "path", files[0].path)
		}
		files = files[1:]
	}
	return errors.Join(errs...)
}

// Status reports the current files and rotation bookkeeping.
func (e *Exporter) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Status{
		Directory:    e.dir,
		Files:        make(map[Format]FileStatus, len(e.writers)),
		LastRotation: e.lastRotation,
		Rotations:    e.rotations,
		Written:      e.written,
	}
	for format, w := range e.writers {
		if w != nil {
			st.Files[format] = FileStatus{Path: w.path, Bytes: w.bytes}
		}
	}
	if files, err := e.archivedFiles(); err == nil {
		st.Archived = len(files)
	}
	return st
}

// Close flushes and closes the current files and releases the directory
// lock. It is safe to call more than once.
func (e *Exporter) Close() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	for format, w := range e.writers {
		if w == nil {
			continue
		}
		if err := w.file.Sync(); err != nil {
			errs = append(errs, err)
		}
		if err := w.file.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(e.writers, format)
	}
	if err := e.lock.Unlock(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
