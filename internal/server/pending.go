package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mirrorbox/mirrorbox/internal/server/storage"
)

const pendingUploadTTL = 5 * time.Minute

// pendingUpload collects the envelope refs streamed ahead of a change
// proposal, keyed by connection and content hash. An upload is complete
// when all chunkCount indexes have a ref.
type pendingUpload struct {
	chunkCount int
	chunks     map[int]string
	updatedAt  time.Time
}

// pendingUploads tracks in-flight uploads. Entries for dead connections
// are reaped by the janitor; their payloads are discarded so abandoned
// uploads never leak blobs.
type pendingUploads struct {
	uploads map[string]map[string]*pendingUpload // connID -> originalHash -> upload
	mu      sync.Mutex
}

func newPendingUploads() *pendingUploads {
	return &pendingUploads{
		uploads: make(map[string]map[string]*pendingUpload),
	}
}

func (p *pendingUploads) add(connID, originalHash string, chunkIndex, chunkCount int, ref string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, ok := p.uploads[connID]
	if !ok {
		conn = make(map[string]*pendingUpload)
		p.uploads[connID] = conn
	}

	upload, ok := conn[originalHash]
	if !ok {
		upload = &pendingUpload{chunkCount: chunkCount, chunks: make(map[int]string)}
		conn[originalHash] = upload
	}

	// a retried upload re-streams the whole set; same index overwrites
	upload.chunkCount = chunkCount
	upload.chunks[chunkIndex] = ref
	upload.updatedAt = time.Now()
}

// take removes and returns the ordered ref set if the upload is complete.
func (p *pendingUploads) take(connID, originalHash string) ([]string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, ok := p.uploads[connID]
	if !ok {
		return nil, false
	}
	upload, ok := conn[originalHash]
	if !ok {
		return nil, false
	}

	if len(upload.chunks) != upload.chunkCount {
		return nil, false
	}

	refs := make([]string, 0, upload.chunkCount)
	for i := 0; i < upload.chunkCount; i++ {
		ref, ok := upload.chunks[i]
		if !ok {
			// gap; keep collecting
			return nil, false
		}
		refs = append(refs, ref)
	}

	delete(conn, originalHash)
	if len(conn) == 0 {
		delete(p.uploads, connID)
	}
	return refs, true
}

// reap discards uploads idle past the TTL and returns their refs for
// backend cleanup.
func (p *pendingUploads) reap(now time.Time) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var stale []string
	for connID, conn := range p.uploads {
		for hash, upload := range conn {
			if now.Sub(upload.updatedAt) > pendingUploadTTL {
				for _, ref := range upload.chunks {
					stale = append(stale, ref)
				}
				delete(conn, hash)
			}
		}
		if len(conn) == 0 {
			delete(p.uploads, connID)
		}
	}
	return stale
}

func (p *pendingUploads) runJanitor(ctx context.Context, backend storage.Backend) {
	ticker := time.NewTicker(pendingUploadTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stale := p.reap(time.Now())
			for _, ref := range stale {
				if err := backend.Delete(ctx, ref); err != nil {
					slog.Warn("pending upload cleanup", "ref", ref, "error", err)
				}
			}
			if len(stale) > 0 {
				slog.Info("pending upload cleanup", "discarded", len(stale))
			}
		case <-ctx.Done():
			return
		}
	}
}
