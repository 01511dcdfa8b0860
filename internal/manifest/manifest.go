package manifest

import (
	"sort"
	"time"
)

// Manifest maps root-relative paths to their sync records. Insertion
// order is irrelevant; all consumers operate on snapshots.
type Manifest map[string]*FileRecord

func New() Manifest {
	return make(Manifest)
}

// FromSummary rebuilds a manifest view from wire summary entries.
// Size and ModTime are not carried in summaries.
func FromSummary(entries []*SummaryEntry) Manifest {
	m := make(Manifest, len(entries))
	for _, e := range entries {
		m[e.Path] = &FileRecord{
			Path:     e.Path,
			Hash:     e.Hash,
			Revision: e.Revision,
			State:    e.State,
		}
	}
	return m
}

// Clone returns a deep copy safe to hand across goroutines.
func (m Manifest) Clone() Manifest {
	clone := make(Manifest, len(m))
	for path, record := range m {
		clone[path] = record.Clone()
	}
	return clone
}

// Summary returns the compact wire form, sorted by path.
func (m Manifest) Summary() []*SummaryEntry {
	entries := make([]*SummaryEntry, 0, len(m))
	for _, record := range m {
		entries = append(entries, &SummaryEntry{
			Path:     record.Path,
			Hash:     record.Hash,
			Revision: record.Revision,
			State:    record.State,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
	return entries
}

// LiveCount returns the number of non-tombstoned records.
func (m Manifest) LiveCount() int {
	n := 0
	for _, record := range m {
		if !record.IsDeleted() {
			n++
		}
	}
	return n
}

// PruneTombstones removes tombstones older than the grace period and
// returns the pruned paths.
func (m Manifest) PruneTombstones(now time.Time, grace time.Duration) []string {
	var pruned []string
	for path, record := range m {
		if record.IsDeleted() && now.Sub(record.ModTime) > grace {
			delete(m, path)
			pruned = append(pruned, path)
		}
	}
	return pruned
}
