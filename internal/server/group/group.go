package group

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirrorbox/mirrorbox/internal/manifest"
	"github.com/mirrorbox/mirrorbox/internal/server/storage"
)

const (
	mailboxSize           = 64
	defaultTombstoneGrace = 24 * time.Hour
	tombstoneGCInterval   = 10 * time.Minute
)

type CommitStatus uint8

const (
	// Committed: the proposal was durably persisted and the record advanced.
	Committed CommitStatus = iota
	// Stale: the expected revision lost the race; Record carries the
	// now-current authoritative record.
	Stale
)

type CommitResult struct {
	Status CommitStatus
	Record *manifest.FileRecord
	Refs   []string
}

// Group owns the authoritative manifest for one sync group. All mutating
// operations are serialized through its mailbox goroutine, so no two
// proposals for the same path can commit out of revision order.
type Group struct {
	ID string

	store          *Store
	backend        storage.Backend
	manifest       manifest.Manifest
	mailbox        chan func()
	tombstoneGrace time.Duration
}

func NewGroup(id string, store *Store, backend storage.Backend, tombstoneGrace time.Duration) (*Group, error) {
	m, err := store.LoadManifest(id)
	if err != nil {
		return nil, fmt.Errorf("group %s: %w", id, err)
	}

	if tombstoneGrace <= 0 {
		tombstoneGrace = defaultTombstoneGrace
	}

	return &Group{
		ID:             id,
		store:          store,
		backend:        backend,
		manifest:       m,
		mailbox:        make(chan func(), mailboxSize),
		tombstoneGrace: tombstoneGrace,
	}, nil
}

// Run processes the mailbox until ctx is done. Must be called exactly once.
func (g *Group) Run(ctx context.Context) {
	slog.Info("group started", "group", g.ID, "paths", len(g.manifest))
	defer slog.Info("group stopped", "group", g.ID)

	gcTicker := time.NewTicker(tombstoneGCInterval)
	defer gcTicker.Stop()

	for {
		select {
		case fn := <-g.mailbox:
			fn()
		case <-gcTicker.C:
			g.pruneTombstones()
		case <-ctx.Done():
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for it.
func (g *Group) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}

	select {
	case g.mailbox <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Summary returns a consistent snapshot of the authoritative manifest in
// wire form.
func (g *Group) Summary(ctx context.Context) ([]*manifest.SummaryEntry, error) {
	var entries []*manifest.SummaryEntry
	err := g.do(ctx, func() {
		entries = g.manifest.Summary()
	})
	return entries, err
}

// Record returns the authoritative record for a path, or nil.
func (g *Group) Record(ctx context.Context, path string) (*manifest.FileRecord, error) {
	var record *manifest.FileRecord
	err := g.do(ctx, func() {
		record = g.manifest[path].Clone()
	})
	return record, err
}

// Propose applies optimistic concurrency to a client change. The first
// proposal persisted for a revision wins; later ones get Stale with the
// committed record. refs are the storage refs of the already-persisted
// envelopes for the proposed content.
func (g *Group) Propose(ctx context.Context, proposed *manifest.FileRecord, expectedRevision uint64, refs []string) (*CommitResult, error) {
	var result *CommitResult
	var commitErr error

	err := g.do(ctx, func() {
		result, commitErr = g.commit(proposed, expectedRevision, refs)
	})
	if err != nil {
		return nil, err
	}
	return result, commitErr
}

func (g *Group) commit(proposed *manifest.FileRecord, expectedRevision uint64, refs []string) (*CommitResult, error) {
	current := g.manifest[proposed.Path]

	var currentRevision uint64
	if current != nil {
		currentRevision = current.Revision
	}

	if expectedRevision != currentRevision {
		slog.Debug("group stale proposal",
			"group", g.ID, "path", proposed.Path,
			"expected", expectedRevision, "current", currentRevision)
		return &CommitResult{Status: Stale, Record: current.Clone()}, nil
	}

	record := &manifest.FileRecord{
		Path:     proposed.Path,
		Hash:     proposed.Hash,
		Size:     proposed.Size,
		ModTime:  proposed.ModTime,
		Revision: currentRevision + 1,
		State:    proposed.State,
	}
	if record.State == manifest.Deleted {
		record.Size = 0
	}

	// persist refs before the record so a crash never leaves a committed
	// record without its envelope set
	if record.State == manifest.Present && len(refs) > 0 {
		if err := g.store.SetEnvelopeRefs(g.ID, record.Hash, refs); err != nil {
			return nil, err
		}
	}

	if err := g.store.UpsertRecord(g.ID, record); err != nil {
		return nil, err
	}

	prevHash := ""
	if current != nil {
		prevHash = current.Hash
	}
	g.manifest[record.Path] = record

	if prevHash != "" && prevHash != record.Hash {
		g.collectSupersededEnvelopes(prevHash)
	}

	slog.Info("group commit",
		"group", g.ID, "path", record.Path,
		"revision", record.Revision, "state", record.State, "chunks", len(refs))

	return &CommitResult{Status: Committed, Record: record.Clone(), Refs: refs}, nil
}

// collectSupersededEnvelopes discards envelope payloads no live record
// references anymore.
func (g *Group) collectSupersededEnvelopes(hash string) {
	for _, record := range g.manifest {
		if !record.IsDeleted() && record.Hash == hash {
			return
		}
	}

	refs, err := g.store.EnvelopeRefs(g.ID, hash)
	if err != nil {
		slog.Warn("group envelope gc", "group", g.ID, "hash", hash, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, ref := range refs {
		if err := g.backend.Delete(ctx, ref); err != nil {
			slog.Warn("group envelope gc", "group", g.ID, "ref", ref, "error", err)
		}
	}
	if err := g.store.DeleteEnvelopeRefs(g.ID, hash); err != nil {
		slog.Warn("group envelope gc", "group", g.ID, "hash", hash, "error", err)
	}
}

// EnvelopeRefs returns the ordered storage refs for a content hash.
func (g *Group) EnvelopeRefs(ctx context.Context, hash string) ([]string, error) {
	var refs []string
	var loadErr error
	err := g.do(ctx, func() {
		refs, loadErr = g.store.EnvelopeRefs(g.ID, hash)
	})
	if err != nil {
		return nil, err
	}
	return refs, loadErr
}

func (g *Group) pruneTombstones() {
	pruned := g.manifest.PruneTombstones(time.Now(), g.tombstoneGrace)
	for _, path := range pruned {
		if err := g.store.DeleteRecord(g.ID, path); err != nil {
			slog.Warn("group tombstone gc", "group", g.ID, "path", path, "error", err)
		}
	}
	if len(pruned) > 0 {
		slog.Info("group tombstone gc", "group", g.ID, "pruned", len(pruned))
	}
}
