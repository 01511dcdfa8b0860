package manifest

import (
	"fmt"
	"time"
)

// FileState marks whether a path is live or tombstoned.
type FileState uint8

const (
	Present FileState = iota
	Deleted
)

func (s FileState) String() string {
	switch s {
	case Present:
		return "PRESENT"
	case Deleted:
		return "DELETED"
	default:
		return fmt.Sprintf("???(%d)", uint8(s))
	}
}

// FileRecord is the per-path sync state. Revision strictly increases on
// every accepted mutation of the path; two records with equal Hash are
// treated as identical content.
type FileRecord struct {
	Path     string    `json:"pth" msgpack:"pth" db:"path"`
	Hash     string    `json:"hsh" msgpack:"hsh" db:"hash"`
	Size     int64     `json:"siz" msgpack:"siz" db:"size"`
	ModTime  time.Time `json:"mod" msgpack:"mod" db:"mod_time"`
	Revision uint64    `json:"rev" msgpack:"rev" db:"revision"`
	State    FileState `json:"sta" msgpack:"sta" db:"state"`
}

func (r *FileRecord) Clone() *FileRecord {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

func (r *FileRecord) IsDeleted() bool {
	return r != nil && r.State == Deleted
}

// Tombstone returns a deletion marker superseding this record. The
// tombstone is retained until all peers have observed it.
func (r *FileRecord) Tombstone(at time.Time) *FileRecord {
	return &FileRecord{
		Path:     r.Path,
		Hash:     r.Hash,
		Size:     0,
		ModTime:  at,
		Revision: r.Revision + 1,
		State:    Deleted,
	}
}

// SummaryEntry is the compact wire form of a FileRecord used in manifest
// summary exchanges on (re)connect.
type SummaryEntry struct {
	Path     string    `json:"pth" msgpack:"pth"`
	Hash     string    `json:"hsh" msgpack:"hsh"`
	Revision uint64    `json:"rev" msgpack:"rev"`
	State    FileState `json:"sta" msgpack:"sta"`
}
