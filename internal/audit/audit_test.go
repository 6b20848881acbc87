package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tunnelguard/tunnelguard/internal/domain"
)

func testEvent(detail string, remediated bool) domain.TamperEvent {
	return domain.TamperEvent{
		Source:     domain.SourceFile,
		Severity:   domain.SeverityCritical,
		Category:   "file_hash_mismatch",
		Entity:     "/etc/tunnelguard/policy.xml",
		Detail:     detail,
		DetectedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Remediated: remediated,
	}
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, sc.Err())
	return entries
}

// TestAppendWritesOneJSONLinePerEvent verifies the line format external
// shippers consume.
func TestAppendWritesOneJSONLinePerEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	defer log.Close()

	require.NoError(t, log.Append(testEvent("hash mismatch", true)))
	require.NoError(t, log.Append(testEvent("hash mismatch again", false)))

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.SourceFile, entries[0].Source)
	assert.Equal(t, "file_hash_mismatch", entries[0].Category)
	assert.True(t, entries[0].Remediated)
	assert.False(t, entries[1].Remediated)
}

// TestAppendSurvivesReopen verifies entries accumulate across daemon
// restarts.
func TestAppendSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	log, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, log.Append(testEvent("before restart", false)))
	require.NoError(t, log.Close())

	log, err = Open(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, log.Append(testEvent("after restart", false)))
	require.NoError(t, log.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "before restart", entries[0].Detail)
	assert.Equal(t, "after restart", entries[1].Detail)
}

// TestRotationCompressesOldSegment verifies the active file rotates at
// the size threshold and the rotated segment decompresses to valid lines.
func TestRotationCompressesOldSegment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	log, err := OpenWithMaxSize(path, 256, zap.NewNop())
	require.NoError(t, err)
	defer log.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, log.Append(testEvent("padding padding padding", false)))
	}

	matches, err := filepath.Glob(path + ".*.zst")
	require.NoError(t, err)
	require.NotEmpty(t, matches, "expected at least one rotated segment")

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()
	dec, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	var lines int
	for sc.Scan() {
		require.True(t, strings.HasPrefix(sc.Text(), "{"))
		lines++
	}
	require.NoError(t, sc.Err())
	assert.Greater(t, lines, 0)

	// Active file still accepts appends after rotation.
	require.NoError(t, log.Append(testEvent("post rotation", false)))
}
