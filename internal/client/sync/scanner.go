package sync

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mirrorbox/mirrorbox/internal/manifest"
	"github.com/mirrorbox/mirrorbox/internal/utils"
)

// Scanner derives the local manifest by walking the workspace and
// diffing what it finds against the journal:
//
//   - scanned file matching the journal keeps the journaled revision
//   - scanned file that differs (or is new) is a pending local edit at
//     journaled revision + 1
//   - journaled path missing on disk becomes a local tombstone
//
// Hashing is skipped when size and mod time match the journal entry.
type Scanner struct {
	root    string
	journal *Journal
	skip    FilterCallback
}

func NewScanner(root string, journal *Journal, skip FilterCallback) *Scanner {
	return &Scanner{
		root:    root,
		journal: journal,
		skip:    skip,
	}
}

// Scan walks the workspace and returns the derived local manifest.
func (s *Scanner) Scan(ctx context.Context) (manifest.Manifest, error) {
	start := time.Now()

	journaled, err := s.journal.State()
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	local := manifest.New()
	seen := make(map[string]bool, len(journaled))

	err = filepath.WalkDir(s.root, func(absPath string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("scan entry", "path", absPath, "error", err)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if s.skip != nil && s.skip(absPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		relPath, err := filepath.Rel(s.root, absPath)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)
		seen[relPath] = true

		info, err := d.Info()
		if err != nil {
			slog.Warn("scan stat", "path", absPath, "error", err)
			return nil
		}

		record, err := s.scanFile(relPath, absPath, info, journaled[relPath])
		if err != nil {
			slog.Warn("scan hash", "path", absPath, "error", err)
			return nil
		}
		local[relPath] = record
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan walk: %w", err)
	}

	// journaled paths gone from disk are local delete intents
	now := time.Now()
	for path, record := range journaled {
		if seen[path] {
			continue
		}
		if record.IsDeleted() {
			local[path] = record.Clone()
			continue
		}
		local[path] = record.Tombstone(now)
	}

	slog.Debug("scan done", "files", len(seen), "took", time.Since(start))
	return local, nil
}

// ScanPath derives the local record for a single path, or a tombstone
// if the file is gone. Returns nil when the path is unknown both on
// disk and in the journal.
func (s *Scanner) ScanPath(relPath string) (*manifest.FileRecord, error) {
	absPath := filepath.Join(s.root, filepath.FromSlash(relPath))

	journaled, err := s.journal.Get(relPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat %s: %w", absPath, err)
		}
		if journaled == nil {
			return nil, nil
		}
		if journaled.IsDeleted() {
			return journaled, nil
		}
		return journaled.Tombstone(time.Now()), nil
	}
	if !info.Mode().IsRegular() {
		return nil, nil
	}

	return s.scanFile(relPath, absPath, info, journaled)
}

func (s *Scanner) scanFile(relPath, absPath string, info fs.FileInfo, journaled *manifest.FileRecord) (*manifest.FileRecord, error) {
	if journaled != nil && !journaled.IsDeleted() &&
		journaled.Size == info.Size() && journaled.ModTime.Equal(info.ModTime()) {
		return journaled.Clone(), nil
	}

	hash, err := utils.FileHash(absPath)
	if err != nil {
		return nil, err
	}

	if journaled != nil && journaled.Hash == hash && !journaled.IsDeleted() {
		// content unchanged, only metadata drifted
		record := journaled.Clone()
		record.ModTime = info.ModTime()
		return record, nil
	}

	var revision uint64
	if journaled != nil {
		revision = journaled.Revision
	}
	return &manifest.FileRecord{
		Path:     relPath,
		Hash:     hash,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Revision: revision + 1,
		State:    manifest.Present,
	}, nil
}
