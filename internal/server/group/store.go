package group

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mirrorbox/mirrorbox/internal/manifest"
)

const schema = `
CREATE TABLE IF NOT EXISTS group_manifest (
    group_id  TEXT NOT NULL,
    path      TEXT NOT NULL,
    hash      TEXT NOT NULL,
    size      INTEGER NOT NULL,
    mod_time  TEXT NOT NULL, -- RFC3339
    revision  INTEGER NOT NULL,
    state     INTEGER NOT NULL,
    PRIMARY KEY (group_id, path)
);

CREATE TABLE IF NOT EXISTS group_envelopes (
    group_id  TEXT NOT NULL,
    hash      TEXT NOT NULL,
    seq       INTEGER NOT NULL,
    ref       TEXT NOT NULL,
    PRIMARY KEY (group_id, hash, seq)
);

CREATE INDEX IF NOT EXISTS idx_group_manifest_group ON group_manifest(group_id);
CREATE INDEX IF NOT EXISTS idx_group_envelopes_group ON group_envelopes(group_id, hash);
`

// Store persists authoritative manifests and envelope ref sets so groups
// survive relay restarts.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("init group schema: %w", err)
	}
	return &Store{db: db}, nil
}

type manifestRow struct {
	GroupID  string `db:"group_id"`
	Path     string `db:"path"`
	Hash     string `db:"hash"`
	Size     int64  `db:"size"`
	ModTime  string `db:"mod_time"`
	Revision uint64 `db:"revision"`
	State    uint8  `db:"state"`
}

// LoadManifest returns the persisted manifest for a group.
func (s *Store) LoadManifest(groupID string) (manifest.Manifest, error) {
	var rows []manifestRow
	if err := s.db.Select(&rows, "SELECT * FROM group_manifest WHERE group_id = ?", groupID); err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", groupID, err)
	}

	m := manifest.New()
	for _, row := range rows {
		modTime, err := time.Parse(time.RFC3339Nano, row.ModTime)
		if err != nil {
			return nil, fmt.Errorf("parse mod_time for %s: %w", row.Path, err)
		}
		m[row.Path] = &manifest.FileRecord{
			Path:     row.Path,
			Hash:     row.Hash,
			Size:     row.Size,
			ModTime:  modTime,
			Revision: row.Revision,
			State:    manifest.FileState(row.State),
		}
	}
	return m, nil
}

// UpsertRecord writes one manifest row.
func (s *Store) UpsertRecord(groupID string, record *manifest.FileRecord) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO group_manifest
		 (group_id, path, hash, size, mod_time, revision, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		groupID, record.Path, record.Hash, record.Size,
		record.ModTime.Format(time.RFC3339Nano), record.Revision, uint8(record.State),
	)
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", record.Path, err)
	}
	return nil
}

// DeleteRecord removes a manifest row (tombstone GC).
func (s *Store) DeleteRecord(groupID string, path string) error {
	if _, err := s.db.Exec("DELETE FROM group_manifest WHERE group_id = ? AND path = ?", groupID, path); err != nil {
		return fmt.Errorf("delete record %s: %w", path, err)
	}
	return nil
}

// SetEnvelopeRefs replaces the ref set for a content hash.
func (s *Store) SetEnvelopeRefs(groupID string, hash string, refs []string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM group_envelopes WHERE group_id = ? AND hash = ?", groupID, hash); err != nil {
		return fmt.Errorf("clear refs %s: %w", hash, err)
	}
	for seq, ref := range refs {
		if _, err := tx.Exec(
			"INSERT INTO group_envelopes (group_id, hash, seq, ref) VALUES (?, ?, ?, ?)",
			groupID, hash, seq, ref,
		); err != nil {
			return fmt.Errorf("insert ref %s/%d: %w", hash, seq, err)
		}
	}
	return tx.Commit()
}

// EnvelopeRefs returns the ordered ref set for a content hash.
func (s *Store) EnvelopeRefs(groupID string, hash string) ([]string, error) {
	var refs []string
	err := s.db.Select(&refs,
		"SELECT ref FROM group_envelopes WHERE group_id = ? AND hash = ? ORDER BY seq",
		groupID, hash,
	)
	if err != nil {
		return nil, fmt.Errorf("load refs %s: %w", hash, err)
	}
	return refs, nil
}

// DeleteEnvelopeRefs drops the ref set for a superseded content hash.
func (s *Store) DeleteEnvelopeRefs(groupID string, hash string) error {
	if _, err := s.db.Exec("DELETE FROM group_envelopes WHERE group_id = ? AND hash = ?", groupID, hash); err != nil {
		return fmt.Errorf("delete refs %s: %w", hash, err)
	}
	return nil
}

// GroupIDs lists all groups known to the store.
func (s *Store) GroupIDs() ([]string, error) {
	var ids []string
	if err := s.db.Select(&ids, "SELECT DISTINCT group_id FROM group_manifest"); err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return ids, nil
}
