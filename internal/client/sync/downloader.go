package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mirrorbox/mirrorbox/internal/hybrid"
	"github.com/mirrorbox/mirrorbox/internal/manifest"
	"github.com/mirrorbox/mirrorbox/internal/relaymsg"
	"github.com/mirrorbox/mirrorbox/internal/utils"
)

const (
	envelopeTimeout    = 30 * time.Second
	downloadRetryDelay = 1 * time.Second
)

var errEnvelopeTimeout = errors.New("envelope set incomplete before timeout")

// download fetches the envelope set for the authoritative record,
// decodes it and atomically replaces the local file. The journal only
// advances to the authoritative revision after a hash-verified write,
// so interrupted transfers leave the local state untouched.
//
// Missing or corrupt envelope sets are re-requested with backoff up to
// the retry ceiling.
func (e *Engine) download(ctx context.Context, record *manifest.FileRecord) error {
	delay := downloadRetryDelay
	var lastErr error

	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		lastErr = e.downloadOnce(ctx, record)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}

		slog.Warn("download retry",
			"path", record.Path, "hash", record.Hash,
			"revision", record.Revision, "attempt", attempt, "error", lastErr)
	}

	return fmt.Errorf("download %s failed after %d attempts: %w", record.Path, e.maxRetries, lastErr)
}

func (e *Engine) downloadOnce(ctx context.Context, record *manifest.FileRecord) error {
	envelopes, err := e.fetchEnvelopes(ctx, record)
	if err != nil {
		return err
	}

	data, err := hybrid.Decode(envelopes)
	if err != nil {
		// corrupted set is discarded wholesale and re-requested
		return fmt.Errorf("decode %s: %w", record.Path, err)
	}

	absPath := e.absPath(record.Path)
	e.watcher.IgnoreOnce(absPath)
	if err := utils.WriteFileAtomic(absPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", absPath, err)
	}

	committed := record.Clone()
	committed.Size = int64(len(data))
	if info, err := os.Stat(absPath); err == nil {
		// journal the on-disk mod time so the next scan fast-path hits
		committed.ModTime = info.ModTime()
	}
	if err := e.journal.Set(committed); err != nil {
		return fmt.Errorf("journal %s: %w", record.Path, err)
	}

	slog.Info("downloaded", "path", record.Path, "revision", record.Revision, "envelopes", len(envelopes))
	return nil
}

// fetchEnvelopes requests and collects the full envelope set for the
// record's content hash.
func (e *Engine) fetchEnvelopes(ctx context.Context, record *manifest.FileRecord) ([]*hybrid.Envelope, error) {
	replies := e.replies.awaitHash(record.Hash)
	defer e.replies.doneHash(record.Hash)

	errs := e.replies.awaitPath(record.Path)
	defer e.replies.donePath(record.Path)

	if err := e.conn.Send(relaymsg.NewEnvelopeRequest(record.Path, record.Hash)); err != nil {
		return nil, fmt.Errorf("request envelopes for %s: %w", record.Path, err)
	}

	byIndex := make(map[int]*hybrid.Envelope)
	want := -1

	timer := time.NewTimer(envelopeTimeout)
	defer timer.Stop()

	for want < 0 || len(byIndex) < want {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timer.C:
			return nil, fmt.Errorf("%s: %w", record.Path, errEnvelopeTimeout)

		case msg := <-errs:
			if data, ok := msg.Data.(relaymsg.Error); ok {
				return nil, fmt.Errorf("relay error for %s: %s (%s)", record.Path, data.Message, data.Code)
			}

		case msg := <-replies:
			data, ok := msg.Data.(relaymsg.EnvelopeData)
			if !ok || data.Envelope == nil {
				continue
			}
			env := data.Envelope
			if env.OriginalHash != record.Hash {
				continue
			}

			if want < 0 {
				want = env.ChunkCount
			}
			byIndex[env.ChunkIndex] = env

			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(envelopeTimeout)
		}
	}

	envelopes := make([]*hybrid.Envelope, 0, want)
	for i := 0; i < want; i++ {
		env, ok := byIndex[i]
		if !ok {
			return nil, fmt.Errorf("%s: missing chunk %d", record.Path, i)
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

// applyDelete removes the local file for an authoritative tombstone and
// journals the tombstone so the path is not re-proposed.
func (e *Engine) applyDelete(record *manifest.FileRecord) error {
	absPath := e.absPath(record.Path)

	e.watcher.IgnoreOnce(absPath)
	if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", absPath, err)
	}

	tombstone := record.Clone()
	tombstone.State = manifest.Deleted
	if err := e.journal.Set(tombstone); err != nil {
		return fmt.Errorf("journal tombstone %s: %w", record.Path, err)
	}

	slog.Info("deleted", "path", record.Path, "revision", record.Revision)
	return nil
}
