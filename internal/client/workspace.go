package client

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/mirrorbox/mirrorbox/internal/utils"
)

const (
	metadataDir = ".mirrorbox"
	lockFile    = "mirrorbox.lock"
	journalFile = "journal.db"
)

var ErrWorkspaceLocked = errors.New("workspace locked by another process")

// Workspace is the synced root directory plus the metadata dir holding
// the journal and the instance lock.
type Workspace struct {
	Root        string
	MetadataDir string
	JournalPath string

	flock *flock.Flock
}

func NewWorkspace(rootDir string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", rootDir, err)
	}

	metaDir := filepath.Join(root, metadataDir)
	return &Workspace{
		Root:        root,
		MetadataDir: metaDir,
		JournalPath: filepath.Join(metaDir, journalFile),
		flock:       flock.New(filepath.Join(metaDir, lockFile)),
	}, nil
}

// Setup creates the directory layout and takes the instance lock so two
// daemons cannot fight over one root.
func (w *Workspace) Setup() error {
	if err := utils.EnsureDir(w.Root); err != nil {
		return fmt.Errorf("create root %s: %w", w.Root, err)
	}
	if err := utils.EnsureDir(w.MetadataDir); err != nil {
		return fmt.Errorf("create metadata dir %s: %w", w.MetadataDir, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}

	slog.Info("workspace", "root", w.Root)
	return nil
}

func (w *Workspace) Close() error {
	if !w.flock.Locked() {
		return nil
	}
	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("unlock workspace: %w", err)
	}
	return os.Remove(w.flock.Path())
}

// IsInternalPath reports whether an absolute path is under the metadata
// dir and must never be synced.
func (w *Workspace) IsInternalPath(absPath string) bool {
	return strings.HasPrefix(absPath, w.MetadataDir)
}

// RelPath converts an absolute path inside the root to the root-relative
// slash form used as manifest key.
func (w *Workspace) RelPath(absPath string) (string, error) {
	rel, err := filepath.Rel(w.Root, absPath)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// AbsPath converts a manifest key back to an absolute filesystem path.
func (w *Workspace) AbsPath(relPath string) string {
	return filepath.Join(w.Root, filepath.FromSlash(relPath))
}
