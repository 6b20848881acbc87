package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/tunnelguard/tunnelguard/internal/bus"
	"github.com/tunnelguard/tunnelguard/internal/domain"
	"github.com/tunnelguard/tunnelguard/internal/policy"
)

// statEntry caches the cheap-to-read identity of a protected file so the
// fast scan only re-hashes files whose stat signature moved.
type statEntry struct {
	size    int64
	modTime time.Time
}

// FileIntegrityMonitor keeps protected files byte-identical to their
// reference copies with the expected mode, owner, and immutability
// attribute.
//
// Detection runs on two cadences: a fast stat scan that re-hashes only
// files whose size or mtime changed, and a bounded full re-hash of every
// file that catches content swaps preserving the stat signature. The
// full rescan means detection cannot silently stop even if the fast path
// is blinded.
type FileIntegrityMonitor struct {
	store *policy.Store
	attrs domain.FileAttributes
	bus   *bus.Bus
	locks *LockTable
	log   *zap.Logger

	stats         map[string]statEntry
	probeFailures map[string]int
	now           func() time.Time
}

// NewFileIntegrityMonitor creates the file monitor.
func NewFileIntegrityMonitor(store *policy.Store, attrs domain.FileAttributes, b *bus.Bus, locks *LockTable, log *zap.Logger) *FileIntegrityMonitor {
	return &FileIntegrityMonitor{
		store:         store,
		attrs:         attrs,
		bus:           b,
		locks:         locks,
		log:           log,
		stats:         make(map[string]statEntry),
		probeFailures: make(map[string]int),
		now:           time.Now,
	}
}

// TickFast runs the stat-based scan over every protected file.
func (m *FileIntegrityMonitor) TickFast(ctx context.Context) {
	m.scan(ctx, false)
}

// TickFull runs the full content re-hash over every protected file.
func (m *FileIntegrityMonitor) TickFull(ctx context.Context) {
	m.scan(ctx, true)
}

func (m *FileIntegrityMonitor) scan(ctx context.Context, full bool) {
	pol := m.store.Current()
	for i := range pol.Files {
		if ctx.Err() != nil {
			return
		}
		f := &pol.Files[i]
		if err := m.checkFile(ctx, pol, f, full); err != nil {
			m.handleProbeFailure(ctx, pol, f, err)
			continue
		}
		delete(m.probeFailures, f.Path)
	}
}

// checkFile verifies one protected file and remediates any deviation.
// Remediation is serialized per path through the lock table. A non-nil
// return is a probe failure: the file could not be observed at all.
func (m *FileIntegrityMonitor) checkFile(ctx context.Context, pol *policy.Policy, f *policy.ProtectedFile, full bool) error {
	unlock := m.locks.Lock("file:" + f.Path)
	defer unlock()

	info, err := os.Lstat(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		m.remediateAndPublish(ctx, f, domain.SeverityCritical, "file_missing",
			"protected file is missing")
		return nil
	}
	if err != nil {
		return &domain.ProbeError{Op: "stat " + f.Path, Err: err}
	}
	// A path replaced by a symlink or directory is a replacement, not
	// attribute drift: whatever it points at is untrusted.
	if !info.Mode().IsRegular() {
		m.remediateAndPublish(ctx, f, domain.SeverityCritical, "file_replaced",
			fmt.Sprintf("protected file replaced by non-regular file (%s)", info.Mode()))
		return nil
	}

	if drift := m.attrDrift(f, info); drift != "" {
		m.remediateAndPublish(ctx, f, domain.SeverityWarning, "file_attr_drift", drift)
		return nil
	}

	prev, seen := m.stats[f.Path]
	cur := statEntry{size: info.Size(), modTime: info.ModTime()}
	needHash := full || !seen || cur != prev
	if !needHash {
		return nil
	}

	hashCtx, cancel := context.WithTimeout(ctx, time.Duration(pol.Tunables.ProbeTimeout))
	sum, err := policy.HashFileContext(hashCtx, f.Path)
	cancel()
	if err != nil {
		return &domain.ProbeError{Op: "hash " + f.Path, Err: err}
	}
	if sum != f.ContentHash {
		m.remediateAndPublish(ctx, f, domain.SeverityCritical, "file_hash_mismatch",
			fmt.Sprintf("content hash %.12s does not match recorded %.12s", sum, f.ContentHash))
		return nil
	}
	m.stats[f.Path] = cur
	return nil
}

// handleProbeFailure counts consecutive failed observations per path. An
// unreadable path means blindness, not proof of tampering; escalate after
// repeated failures instead of scanning past it silently.
func (m *FileIntegrityMonitor) handleProbeFailure(ctx context.Context, pol *policy.Policy, f *policy.ProtectedFile, err error) {
	m.probeFailures[f.Path]++
	n := m.probeFailures[f.Path]
	m.log.Warn("file probe failed",
		zap.String("path", f.Path),
		zap.Int("consecutive", n),
		zap.Error(err))

	if n == pol.Tunables.ProbeFailureLimit {
		m.publish(ctx, domain.TamperEvent{
			Source:   domain.SourceFile,
			Severity: domain.SeverityWarning,
			Category: "probe_failure",
			Entity:   f.Path,
			Detail: fmt.Sprintf("file state unobservable for %d consecutive scans: %v",
				n, err),
			DetectedAt: m.now(),
		})
	}
}

// attrDrift reports mode/owner/immutability deviation as a human detail,
// or "" when everything matches.
func (m *FileIntegrityMonitor) attrDrift(f *policy.ProtectedFile, info fs.FileInfo) string {
	if info.Mode().Perm() != f.Mode.Perm() {
		return fmt.Sprintf("mode %04o, expected %s", info.Mode().Perm(), f.Mode)
	}

	uid, gid, err := m.attrs.Owner(f.Path)
	if err != nil {
		m.log.Warn("read owner failed", zap.String("path", f.Path), zap.Error(err))
		return ""
	}
	if uid != f.UID || gid != f.GID {
		return fmt.Sprintf("owner %d:%d, expected %d:%d", uid, gid, f.UID, f.GID)
	}

	if f.Immutable {
		immutable, err := m.attrs.IsImmutable(f.Path)
		if err != nil {
			m.log.Warn("read immutability failed", zap.String("path", f.Path), zap.Error(err))
			return ""
		}
		if !immutable {
			return "immutability attribute cleared"
		}
	}
	return ""
}

// remediateAndPublish restores the file from its reference copy and
// emits one event carrying the remediation outcome.
func (m *FileIntegrityMonitor) remediateAndPublish(ctx context.Context, f *policy.ProtectedFile, sev domain.Severity, category, detail string) {
	err := m.restore(f)
	if err != nil {
		m.log.Error("remediation failed",
			zap.String("path", f.Path), zap.Error(err))
		detail = fmt.Sprintf("%s; remediation failed: %v", detail, err)
		// A failed restore of a missing or corrupt file leaves the
		// host unprotected: always critical.
		sev = domain.SeverityCritical
	} else {
		m.log.Info("protected file restored",
			zap.String("path", f.Path),
			zap.String("category", category))
		if info, statErr := os.Lstat(f.Path); statErr == nil {
			m.stats[f.Path] = statEntry{size: info.Size(), modTime: info.ModTime()}
		}
	}

	m.publish(ctx, domain.TamperEvent{
		Source:     domain.SourceFile,
		Severity:   sev,
		Category:   category,
		Entity:     f.Path,
		Detail:     detail,
		DetectedAt: m.now(),
		Remediated: err == nil,
	})
}

// restore copies the reference over the protected path. The reference is
// re-hashed against the value recorded at policy load first; on mismatch
// restore fails closed rather than writing unverified bytes over the
// protected path.
func (m *FileIntegrityMonitor) restore(f *policy.ProtectedFile) error {
	sum, err := policy.HashFile(f.Reference)
	if err != nil {
		return &domain.RemediationError{Entity: f.Path,
			Err: fmt.Errorf("reference copy unreadable: %w", err)}
	}
	if sum != f.ContentHash {
		return &domain.RemediationError{Entity: f.Path,
			Err: errors.New("reference copy hash mismatch, refusing to restore")}
	}

	if f.Immutable {
		// prior immutability blocks the rename; clearing a flag that
		// is not set is a no-op.
		if _, err := os.Lstat(f.Path); err == nil {
			if err := m.attrs.SetImmutable(f.Path, false); err != nil {
				return &domain.RemediationError{Entity: f.Path,
					Err: fmt.Errorf("clear immutability: %w", err)}
			}
		}
	}

	if err := m.writeAtomic(f); err != nil {
		return &domain.RemediationError{Entity: f.Path, Err: err}
	}

	if f.Immutable {
		if err := m.attrs.SetImmutable(f.Path, true); err != nil {
			return &domain.RemediationError{Entity: f.Path,
				Err: fmt.Errorf("reapply immutability: %w", err)}
		}
	}
	return nil
}

// writeAtomic stages the reference copy in the target directory and
// renames it into place, so the protected path is never absent or
// half-written mid-restore.
func (m *FileIntegrityMonitor) writeAtomic(f *policy.ProtectedFile) error {
	src, err := os.Open(f.Reference)
	if err != nil {
		return err
	}
	defer src.Close()

	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, ".tunnelguard-restore-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpPath, f.Mode.Perm()); err != nil {
		return err
	}
	if err := os.Chown(tmpPath, f.UID, f.GID); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, f.Path); err != nil {
		return err
	}

	success = true
	return nil
}

func (m *FileIntegrityMonitor) publish(ctx context.Context, ev domain.TamperEvent) {
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.log.Warn("event publish canceled", zap.Error(err))
	}
}
