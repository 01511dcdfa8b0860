package sync

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mirrorbox/mirrorbox/internal/db"
	"github.com/mirrorbox/mirrorbox/internal/manifest"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS sync_journal (
    path      TEXT PRIMARY KEY,
    hash      TEXT NOT NULL,
    size      INTEGER NOT NULL,
    mod_time  TEXT NOT NULL, -- RFC3339
    revision  INTEGER NOT NULL,
    state     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_journal_hash ON sync_journal(hash);
`

// Journal is the client's persistent record of the last state it
// committed or applied per path. The local manifest is derived by
// diffing a filesystem scan against it.
type Journal struct {
	db *sqlx.DB
	mu sync.RWMutex
}

func NewJournal(dbPath string) (*Journal, error) {
	sqlDB, err := db.NewSqliteDB(db.WithPath(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if _, err := sqlDB.Exec(journalSchema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	return &Journal{db: sqlDB}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

type journalRow struct {
	Path     string `db:"path"`
	Hash     string `db:"hash"`
	Size     int64  `db:"size"`
	ModTime  string `db:"mod_time"`
	Revision uint64 `db:"revision"`
	State    uint8  `db:"state"`
}

func (r *journalRow) record() (*manifest.FileRecord, error) {
	modTime, err := time.Parse(time.RFC3339Nano, r.ModTime)
	if err != nil {
		return nil, fmt.Errorf("parse mod_time for %s: %w", r.Path, err)
	}
	return &manifest.FileRecord{
		Path:     r.Path,
		Hash:     r.Hash,
		Size:     r.Size,
		ModTime:  modTime,
		Revision: r.Revision,
		State:    manifest.FileState(r.State),
	}, nil
}

// Get returns the journaled record for a path, or nil if unknown.
func (j *Journal) Get(path string) (*manifest.FileRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var row journalRow
	err := j.db.Get(&row, "SELECT * FROM sync_journal WHERE path = ?", path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal get %s: %w", path, err)
	}
	return row.record()
}

// Set upserts the record for a path.
func (j *Journal) Set(record *manifest.FileRecord) error {
	if record == nil {
		return fmt.Errorf("journal set: nil record")
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		`INSERT OR REPLACE INTO sync_journal
		 (path, hash, size, mod_time, revision, state)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		record.Path, record.Hash, record.Size,
		record.ModTime.Format(time.RFC3339Nano), record.Revision, uint8(record.State),
	)
	if err != nil {
		return fmt.Errorf("journal set %s: %w", record.Path, err)
	}
	return nil
}

// Delete removes a path from the journal entirely (tombstone pruned).
func (j *Journal) Delete(path string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.db.Exec("DELETE FROM sync_journal WHERE path = ?", path); err != nil {
		return fmt.Errorf("journal delete %s: %w", path, err)
	}
	return nil
}

// PruneTombstones removes tombstone rows for paths the authoritative
// manifest no longer carries. Once the relay has garbage collected a
// tombstone there is nothing left to reconcile against, so keeping the
// row would only grow the journal forever.
func (j *Journal) PruneTombstones(authoritative manifest.Manifest) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var rows []journalRow
	err := j.db.Select(&rows,
		"SELECT * FROM sync_journal WHERE state = ?", uint8(manifest.Deleted))
	if err != nil {
		return 0, fmt.Errorf("journal prune: %w", err)
	}

	pruned := 0
	for i := range rows {
		if _, ok := authoritative[rows[i].Path]; ok {
			continue
		}
		if _, err := j.db.Exec("DELETE FROM sync_journal WHERE path = ?", rows[i].Path); err != nil {
			return pruned, fmt.Errorf("journal prune %s: %w", rows[i].Path, err)
		}
		pruned++
	}
	return pruned, nil
}

// State loads the full journal as a manifest.
func (j *Journal) State() (manifest.Manifest, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var rows []journalRow
	if err := j.db.Select(&rows, "SELECT * FROM sync_journal"); err != nil {
		return nil, fmt.Errorf("journal state: %w", err)
	}

	m := manifest.New()
	for i := range rows {
		record, err := rows[i].record()
		if err != nil {
			return nil, err
		}
		m[record.Path] = record
	}
	return m, nil
}

// Count returns the number of journaled paths.
func (j *Journal) Count() (int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var count int
	if err := j.db.Get(&count, "SELECT COUNT(*) FROM sync_journal"); err != nil {
		return 0, fmt.Errorf("journal count: %w", err)
	}
	return count, nil
}
