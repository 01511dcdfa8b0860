package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorbox/mirrorbox/internal/utils"
)

func TestLocalBackendPutGet(t *testing.T) {
	backend, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	payload := []byte("masked envelope bytes")
	ref, err := backend.Put(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, utils.ContentHash(payload), ref)

	got, err := backend.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestLocalBackendPutIdempotent(t *testing.T) {
	backend, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	payload := []byte("same payload twice")
	ref1, err := backend.Put(ctx, payload)
	require.NoError(t, err)
	ref2, err := backend.Put(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)
}

func TestLocalBackendGetMissing(t *testing.T) {
	backend, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	_, err = backend.Get(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalBackendDelete(t *testing.T) {
	backend, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := backend.Put(ctx, []byte("doomed"))
	require.NoError(t, err)

	require.NoError(t, backend.Delete(ctx, ref))
	_, err = backend.Get(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting an unknown ref is not an error
	assert.NoError(t, backend.Delete(ctx, "deadbeef"))
}

func TestLocalBackendSharding(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewLocalBackend(dir)
	require.NoError(t, err)

	ref, err := backend.Put(context.Background(), []byte("sharded"))
	require.NoError(t, err)
	assert.True(t, utils.FileExists(filepath.Join(backend.dataDir, ref[:2], ref)))
}

// flakyBackend counts Gets so cache hits are observable.
type flakyBackend struct {
	inner *LocalBackend
	gets  int
}

func (f *flakyBackend) Put(ctx context.Context, payload []byte) (string, error) {
	return f.inner.Put(ctx, payload)
}

func (f *flakyBackend) Get(ctx context.Context, ref string) ([]byte, error) {
	f.gets++
	return f.inner.Get(ctx, ref)
}

func (f *flakyBackend) Delete(ctx context.Context, ref string) error {
	return f.inner.Delete(ctx, ref)
}

func TestCachedBackendHotPath(t *testing.T) {
	inner, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	counting := &flakyBackend{inner: inner}

	cached, err := NewCachedBackend(counting, 8)
	require.NoError(t, err)
	ctx := context.Background()

	payload := []byte("fanned out to many peers")
	ref, err := cached.Put(ctx, payload)
	require.NoError(t, err)

	for n := 0; n < 5; n++ {
		got, err := cached.Get(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
	assert.Equal(t, 0, counting.gets, "put should prime the cache")

	// eviction falls back to the backend
	for i := 0; i < 16; i++ {
		_, err := cached.Put(ctx, []byte{byte(i)})
		require.NoError(t, err)
	}
	got, err := cached.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, 1, counting.gets)
}

func TestCachedBackendDeleteInvalidates(t *testing.T) {
	inner, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	cached, err := NewCachedBackend(inner, 8)
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := cached.Put(ctx, []byte("cached then deleted"))
	require.NoError(t, err)
	require.NoError(t, cached.Delete(ctx, ref))

	_, err = cached.Get(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewSelectsBackend(t *testing.T) {
	backend, err := New(&Config{Kind: "local", DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &CachedBackend{}, backend)

	_, err = New(&Config{Kind: "carrier-pigeon"})
	assert.Error(t, err)
}
