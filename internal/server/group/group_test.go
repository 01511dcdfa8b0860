package group

import (
	"context"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorbox/mirrorbox/internal/db"
	"github.com/mirrorbox/mirrorbox/internal/manifest"
	"github.com/mirrorbox/mirrorbox/internal/utils"
)

// memBackend keeps payloads in a map so tests can observe deletions.
type memBackend struct {
	blobs map[string][]byte
	mu    stdsync.Mutex
}

func newMemBackend() *memBackend {
	return &memBackend{blobs: make(map[string][]byte)}
}

func (m *memBackend) Put(_ context.Context, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := utils.ContentHash(payload)
	m.blobs[ref] = append([]byte(nil), payload...)
	return ref, nil
}

func (m *memBackend) Get(_ context.Context, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blobs[ref], nil
}

func (m *memBackend) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, ref)
	return nil
}

func (m *memBackend) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}

func newTestGroup(t *testing.T) (*Group, *Store, *memBackend, context.CancelFunc) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "relay.db")
	sqlDB, err := db.NewSqliteDB(db.WithPath(dbPath), db.WithMaxOpenConns(1))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	store, err := NewStore(sqlDB)
	require.NoError(t, err)

	backend := newMemBackend()
	g, err := NewGroup("g1", store, backend, time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go g.Run(ctx)
	return g, store, backend, cancel
}

func record(path, hash string, size int64) *manifest.FileRecord {
	return &manifest.FileRecord{
		Path:    path,
		Hash:    hash,
		Size:    size,
		ModTime: time.Now().UTC(),
		State:   manifest.Present,
	}
}

func TestProposeCommitAdvancesRevision(t *testing.T) {
	g, _, _, cancel := newTestGroup(t)
	defer cancel()
	ctx := context.Background()

	result, err := g.Propose(ctx, record("a.png", "h1", 100), 0, []string{"ref1"})
	require.NoError(t, err)
	assert.Equal(t, Committed, result.Status)
	assert.Equal(t, uint64(1), result.Record.Revision)

	result, err = g.Propose(ctx, record("a.png", "h2", 120), 1, []string{"ref2"})
	require.NoError(t, err)
	assert.Equal(t, Committed, result.Status)
	assert.Equal(t, uint64(2), result.Record.Revision)

	current, err := g.Record(ctx, "a.png")
	require.NoError(t, err)
	assert.Equal(t, "h2", current.Hash)
}

func TestProposeStaleRevision(t *testing.T) {
	g, _, _, cancel := newTestGroup(t)
	defer cancel()
	ctx := context.Background()

	_, err := g.Propose(ctx, record("a.png", "h1", 100), 0, []string{"ref1"})
	require.NoError(t, err)

	// a second writer still at revision 0
	result, err := g.Propose(ctx, record("a.png", "h2", 120), 0, []string{"ref2"})
	require.NoError(t, err)
	assert.Equal(t, Stale, result.Status)
	require.NotNil(t, result.Record)
	assert.Equal(t, "h1", result.Record.Hash)
	assert.Equal(t, uint64(1), result.Record.Revision)
}

func TestConcurrentProposalsExactlyOneWins(t *testing.T) {
	g, _, _, cancel := newTestGroup(t)
	defer cancel()
	ctx := context.Background()

	const writers = 8
	results := make([]*CommitResult, writers)

	var wg stdsync.WaitGroup
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := g.Propose(ctx, record("race.png", utils.TokenHex(8), 64), 0, []string{utils.TokenHex(4)})
			require.NoError(t, err)
			results[i] = r
		}()
	}
	wg.Wait()

	committed := 0
	for _, r := range results {
		if r.Status == Committed {
			committed++
			assert.Equal(t, uint64(1), r.Record.Revision)
		} else {
			// losers see the committed record for re-reconciliation
			require.NotNil(t, r.Record)
			assert.Equal(t, uint64(1), r.Record.Revision)
		}
	}
	assert.Equal(t, 1, committed)
}

func TestDeleteProposalTombstones(t *testing.T) {
	g, _, _, cancel := newTestGroup(t)
	defer cancel()
	ctx := context.Background()

	_, err := g.Propose(ctx, record("a.png", "h1", 100), 0, []string{"ref1"})
	require.NoError(t, err)

	tomb := record("a.png", "h1", 0)
	tomb.State = manifest.Deleted
	result, err := g.Propose(ctx, tomb, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, Committed, result.Status)
	assert.Equal(t, uint64(2), result.Record.Revision)
	assert.True(t, result.Record.IsDeleted())

	entries, err := g.Summary(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, manifest.Deleted, entries[0].State)
}

func TestSupersededEnvelopesCollected(t *testing.T) {
	g, store, backend, cancel := newTestGroup(t)
	defer cancel()
	ctx := context.Background()

	ref1, err := backend.Put(ctx, []byte("payload-v1"))
	require.NoError(t, err)
	ref2, err := backend.Put(ctx, []byte("payload-v2"))
	require.NoError(t, err)
	require.Equal(t, 2, backend.count())

	_, err = g.Propose(ctx, record("a.png", "h1", 100), 0, []string{ref1})
	require.NoError(t, err)

	_, err = g.Propose(ctx, record("a.png", "h2", 120), 1, []string{ref2})
	require.NoError(t, err)

	// v1 payload has no live reference left
	assert.Equal(t, 1, backend.count())

	refs, err := store.EnvelopeRefs("g1", "h1")
	require.NoError(t, err)
	assert.Empty(t, refs)

	refs, err = g.EnvelopeRefs(ctx, "h2")
	require.NoError(t, err)
	assert.Equal(t, []string{ref2}, refs)
}

func TestSharedContentSurvivesSupersede(t *testing.T) {
	g, _, backend, cancel := newTestGroup(t)
	defer cancel()
	ctx := context.Background()

	ref1, err := backend.Put(ctx, []byte("shared"))
	require.NoError(t, err)
	ref2, err := backend.Put(ctx, []byte("unique"))
	require.NoError(t, err)

	// two paths share the h1 content
	_, err = g.Propose(ctx, record("a.png", "h1", 100), 0, []string{ref1})
	require.NoError(t, err)
	_, err = g.Propose(ctx, record("b.png", "h1", 100), 0, []string{ref1})
	require.NoError(t, err)

	// a.png moves on; b.png still references h1
	_, err = g.Propose(ctx, record("a.png", "h2", 120), 1, []string{ref2})
	require.NoError(t, err)

	refs, err := g.EnvelopeRefs(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, []string{ref1}, refs)
	assert.Equal(t, 2, backend.count())
}

func TestManifestSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "relay.db")
	sqlDB, err := db.NewSqliteDB(db.WithPath(dbPath), db.WithMaxOpenConns(1))
	require.NoError(t, err)
	defer sqlDB.Close()

	store, err := NewStore(sqlDB)
	require.NoError(t, err)
	backend := newMemBackend()

	ctx, cancel := context.WithCancel(context.Background())
	g, err := NewGroup("g1", store, backend, time.Hour)
	require.NoError(t, err)
	go g.Run(ctx)

	_, err = g.Propose(ctx, record("a.png", "h1", 100), 0, []string{"ref1"})
	require.NoError(t, err)
	cancel()

	// a fresh group over the same store sees the committed manifest
	g2, err := NewGroup("g1", store, backend, time.Hour)
	require.NoError(t, err)
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go g2.Run(ctx2)

	current, err := g2.Record(ctx2, "a.png")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "h1", current.Hash)
	assert.Equal(t, uint64(1), current.Revision)

	ids, err := store.GroupIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, ids)
}
