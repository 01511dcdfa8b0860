package manifest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTombstone(t *testing.T) {
	record := rec("a.png", "h1", 3, Present)
	at := time.Now()

	tomb := record.Tombstone(at)
	assert.Equal(t, record.Path, tomb.Path)
	assert.Equal(t, record.Revision+1, tomb.Revision)
	assert.Equal(t, Deleted, tomb.State)
	assert.True(t, tomb.IsDeleted())
	assert.Equal(t, at, tomb.ModTime)

	// original untouched
	assert.Equal(t, Present, record.State)
	assert.Equal(t, uint64(3), record.Revision)
}

func TestCloneNilSafe(t *testing.T) {
	var record *FileRecord
	assert.Nil(t, record.Clone())
	assert.False(t, record.IsDeleted())
}

func TestSummaryRoundTrip(t *testing.T) {
	m := Manifest{
		"b.png": rec("b.png", "h2", 2, Present),
		"a.png": rec("a.png", "h1", 1, Deleted),
	}

	entries := m.Summary()
	require.Len(t, entries, 2)
	assert.Equal(t, "a.png", entries[0].Path)
	assert.Equal(t, "b.png", entries[1].Path)

	rebuilt := FromSummary(entries)
	require.Len(t, rebuilt, 2)
	for path, record := range m {
		got := rebuilt[path]
		require.NotNil(t, got, path)
		assert.Equal(t, record.Hash, got.Hash)
		assert.Equal(t, record.Revision, got.Revision)
		assert.Equal(t, record.State, got.State)
	}
}

func TestLiveCount(t *testing.T) {
	m := Manifest{
		"a": rec("a", "h1", 1, Present),
		"b": rec("b", "h2", 2, Deleted),
		"c": rec("c", "h3", 3, Present),
	}
	assert.Equal(t, 2, m.LiveCount())
}

func TestPruneTombstones(t *testing.T) {
	now := time.Now()
	grace := time.Hour

	old := rec("old", "h1", 2, Deleted)
	old.ModTime = now.Add(-2 * time.Hour)
	fresh := rec("fresh", "h2", 2, Deleted)
	fresh.ModTime = now.Add(-time.Minute)
	live := rec("live", "h3", 1, Present)
	live.ModTime = now.Add(-3 * time.Hour)

	m := Manifest{"old": old, "fresh": fresh, "live": live}

	pruned := m.PruneTombstones(now, grace)
	assert.Equal(t, []string{"old"}, pruned)
	assert.NotContains(t, m, "old")
	assert.Contains(t, m, "fresh")
	assert.Contains(t, m, "live")
}
