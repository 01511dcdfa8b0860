package sync

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorbox/mirrorbox/internal/manifest"
	"github.com/mirrorbox/mirrorbox/internal/utils"
)

func newTestScanner(t *testing.T) (*Scanner, *Journal, string) {
	t.Helper()
	root := t.TempDir()
	journal := newTestJournal(t)

	metaDir := filepath.Join(root, ".mirrorbox")
	skip := func(absPath string) bool {
		return strings.HasPrefix(absPath, metaDir)
	}
	return NewScanner(root, journal, skip), journal, root
}

func writeFile(t *testing.T, root, relPath, content string) string {
	t.Helper()
	absPath := filepath.Join(root, filepath.FromSlash(relPath))
	require.NoError(t, utils.EnsureParent(absPath))
	require.NoError(t, os.WriteFile(absPath, []byte(content), 0o644))
	return absPath
}

func TestScanNewFiles(t *testing.T) {
	scanner, _, root := newTestScanner(t)

	writeFile(t, root, "a.png", "content-a")
	writeFile(t, root, "nested/b.png", "content-b")

	local, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, local, 2)

	a := local["a.png"]
	require.NotNil(t, a)
	assert.Equal(t, uint64(1), a.Revision, "new file is a pending edit at revision 1")
	assert.Equal(t, manifest.Present, a.State)
	assert.Equal(t, utils.ContentHash([]byte("content-a")), a.Hash)

	assert.NotNil(t, local["nested/b.png"])
}

func TestScanUnchangedKeepsJournaledRevision(t *testing.T) {
	scanner, journal, root := newTestScanner(t)

	absPath := writeFile(t, root, "a.png", "stable content")
	info, err := os.Stat(absPath)
	require.NoError(t, err)

	require.NoError(t, journal.Set(&manifest.FileRecord{
		Path:     "a.png",
		Hash:     utils.ContentHash([]byte("stable content")),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Revision: 4,
		State:    manifest.Present,
	}))

	local, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.NotNil(t, local["a.png"])
	assert.Equal(t, uint64(4), local["a.png"].Revision)
}

func TestScanModifiedBumpsRevision(t *testing.T) {
	scanner, journal, root := newTestScanner(t)

	writeFile(t, root, "a.png", "version two")
	require.NoError(t, journal.Set(&manifest.FileRecord{
		Path:     "a.png",
		Hash:     utils.ContentHash([]byte("version one")),
		Size:     11,
		ModTime:  time.Now().Add(-time.Hour),
		Revision: 2,
		State:    manifest.Present,
	}))

	local, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	record := local["a.png"]
	require.NotNil(t, record)
	assert.Equal(t, uint64(3), record.Revision)
	assert.Equal(t, utils.ContentHash([]byte("version two")), record.Hash)
}

func TestScanMissingJournaledFileTombstones(t *testing.T) {
	scanner, journal, _ := newTestScanner(t)

	require.NoError(t, journal.Set(&manifest.FileRecord{
		Path:     "gone.png",
		Hash:     "h1",
		Size:     10,
		ModTime:  time.Now().Add(-time.Hour),
		Revision: 2,
		State:    manifest.Present,
	}))

	local, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	record := local["gone.png"]
	require.NotNil(t, record)
	assert.True(t, record.IsDeleted())
	assert.Equal(t, uint64(3), record.Revision)
}

func TestScanSkipsMetadataDir(t *testing.T) {
	scanner, _, root := newTestScanner(t)

	writeFile(t, root, ".mirrorbox/journal.db", "not synced")
	writeFile(t, root, "real.png", "synced")

	local, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, local, 1)
	assert.NotNil(t, local["real.png"])
}

func TestScanPath(t *testing.T) {
	scanner, journal, root := newTestScanner(t)

	t.Run("unknown path", func(t *testing.T) {
		record, err := scanner.ScanPath("nope.png")
		require.NoError(t, err)
		assert.Nil(t, record)
	})

	t.Run("new file", func(t *testing.T) {
		writeFile(t, root, "fresh.png", "fresh")
		record, err := scanner.ScanPath("fresh.png")
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, uint64(1), record.Revision)
	})

	t.Run("removed file", func(t *testing.T) {
		require.NoError(t, journal.Set(&manifest.FileRecord{
			Path: "removed.png", Hash: "h1", Size: 5,
			ModTime: time.Now(), Revision: 3, State: manifest.Present,
		}))
		record, err := scanner.ScanPath("removed.png")
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.True(t, record.IsDeleted())
		assert.Equal(t, uint64(4), record.Revision)
	})
}

func TestScanMetadataOnlyDriftKeepsRevision(t *testing.T) {
	scanner, journal, root := newTestScanner(t)

	absPath := writeFile(t, root, "a.png", "same bytes")
	require.NoError(t, journal.Set(&manifest.FileRecord{
		Path:     "a.png",
		Hash:     utils.ContentHash([]byte("same bytes")),
		Size:     10,
		ModTime:  time.Now().Add(-time.Hour), // stale hint forces a re-hash
		Revision: 5,
		State:    manifest.Present,
	}))

	record, err := scanner.ScanPath("a.png")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, uint64(5), record.Revision, "identical content must not bump the revision")

	info, err := os.Stat(absPath)
	require.NoError(t, err)
	assert.True(t, record.ModTime.Equal(info.ModTime()))
}
