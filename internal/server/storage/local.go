package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mirrorbox/mirrorbox/internal/utils"
)

// LocalBackend stores payloads content-addressed on the local filesystem.
// Refs are the hex content hash of the payload; payloads are sharded into
// two-character prefix directories.
type LocalBackend struct {
	dataDir string
}

func NewLocalBackend(dataDir string) (*LocalBackend, error) {
	resolved, err := utils.ResolvePath(dataDir)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve data dir: %v", ErrStorage, err)
	}
	if err := utils.EnsureDir(resolved); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", ErrStorage, err)
	}
	return &LocalBackend{dataDir: resolved}, nil
}

func (l *LocalBackend) Put(ctx context.Context, payload []byte) (string, error) {
	ref := utils.ContentHash(payload)
	path := l.refPath(ref)

	if utils.FileExists(path) {
		// content-addressed, already stored
		return ref, nil
	}

	if err := utils.WriteFileAtomic(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("%w: put %s: %v", ErrStorage, ref, err)
	}
	return ref, nil
}

func (l *LocalBackend) Get(ctx context.Context, ref string) ([]byte, error) {
	payload, err := os.ReadFile(l.refPath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("%w: get %s: %v", ErrStorage, ref, err)
	}
	return payload, nil
}

func (l *LocalBackend) Delete(ctx context.Context, ref string) error {
	if err := os.Remove(l.refPath(ref)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete %s: %v", ErrStorage, ref, err)
	}
	return nil
}

func (l *LocalBackend) refPath(ref string) string {
	shard := "00"
	if len(ref) >= 2 {
		shard = ref[:2]
	}
	return filepath.Join(l.dataDir, shard, ref)
}
