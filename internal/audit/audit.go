// Package audit implements the local append-only tamper trail. Every
// event lands here regardless of sink delivery outcome; an append failure
// is fatal to the daemon because a silent trail defeats its purpose.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/tunnelguard/tunnelguard/internal/domain"
)

// DefaultMaxSize is the rotation threshold for the active segment.
const DefaultMaxSize = 16 << 20 // 16 MiB

// Entry is one audit line. Written as a single JSON object per line so
// external log shippers can consume the file without a custom parser.
type Entry struct {
	Timestamp  time.Time       `json:"timestamp"`
	Source     domain.Source   `json:"source"`
	Severity   domain.Severity `json:"severity"`
	Category   string          `json:"category"`
	Entity     string          `json:"entity"`
	Detail     string          `json:"detail"`
	Remediated bool            `json:"remediated"`
}

// Log is an append-only JSON-lines file with size-based rotation. Rotated
// segments are zstd-compressed and timestamped next to the active file.
// Every append is synced to disk before returning: tampering evidence
// must survive an immediately following power cut or daemon kill.
type Log struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	file    *os.File
	size    int64
	logger  *zap.Logger
}

// Open creates or appends to the audit log at path.
func Open(path string, logger *zap.Logger) (*Log, error) {
	return OpenWithMaxSize(path, DefaultMaxSize, logger)
}

// OpenWithMaxSize opens the log with a custom rotation threshold
// (for testing).
func OpenWithMaxSize(path string, maxSize int64, logger *zap.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat audit log: %w", err)
	}

	return &Log{
		path:    path,
		maxSize: maxSize,
		file:    f,
		size:    info.Size(),
		logger:  logger,
	}, nil
}

// Append writes one event as a JSON line and syncs it to disk.
func (l *Log) Append(event domain.TamperEvent) error {
	entry := Entry{
		Timestamp:  event.DetectedAt,
		Source:     event.Source,
		Severity:   event.Severity,
		Category:   event.Category,
		Entity:     event.Entity,
		Detail:     event.Detail,
		Remediated: event.Remediated,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size+int64(len(data)) > l.maxSize && l.size > 0 {
		if err := l.rotate(); err != nil {
			// Rotation failure is not fatal while the active file
			// still accepts writes; the segment just grows past
			// the threshold.
			l.logger.Warn("audit rotation failed", zap.Error(err))
		}
	}

	n, err := l.file.Write(data)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

// rotate renames the active segment aside, compresses it, and reopens a
// fresh active file. Caller holds l.mu.
func (l *Log) rotate() error {
	if err := l.file.Sync(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return err
	}

	rotated := fmt.Sprintf("%s.%s", l.path, time.Now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(l.path, rotated); err != nil {
		// Reopen the original so appends keep working.
		f, openErr := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if openErr != nil {
			return fmt.Errorf("rename failed (%v) and reopen failed: %w", err, openErr)
		}
		l.file = f
		return err
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("reopen after rotation: %w", err)
	}
	l.file = f
	l.size = 0

	if err := compressSegment(rotated); err != nil {
		l.logger.Warn("compress rotated audit segment failed",
			zap.String("segment", rotated), zap.Error(err))
	} else {
		l.logger.Info("rotated audit segment",
			zap.String("segment", rotated+".zst"))
	}
	return nil
}

// compressSegment zstd-compresses a rotated segment and removes the
// original. The uncompressed file stays in place on any failure.
func compressSegment(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(path+".zst", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}

	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		os.Remove(path + ".zst")
		return err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		os.Remove(path + ".zst")
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(path + ".zst")
		return err
	}

	return os.Remove(path)
}

// Close syncs and closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// Ensure Log implements domain.AuditLogger.
var _ domain.AuditLogger = (*Log)(nil)
