package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mirrorbox/mirrorbox/internal/hybrid"
	"github.com/mirrorbox/mirrorbox/internal/manifest"
	"github.com/mirrorbox/mirrorbox/internal/relaymsg"
)

const ackTimeout = 30 * time.Second

var ErrAckTimeout = errors.New("no ack before timeout")

// ConflictError reports a rejected proposal and carries the committed
// record to re-reconcile against. Never merged automatically.
type ConflictError struct {
	Path    string
	Current *manifest.FileRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("stale proposal for %s, committed revision is %d", e.Path, e.Current.Revision)
}

// upload encodes the file at absPath and proposes record to the relay.
// The journal is only advanced after the relay acks the commit; a
// dropped connection mid-stream leaves the journal untouched and the
// upload is retried on the next pass.
func (e *Engine) upload(ctx context.Context, record *manifest.FileRecord, absPath string) error {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", absPath, err)
	}

	if err := hybrid.ValidateSize(int64(len(data))); err != nil {
		return fmt.Errorf("%s: %w", record.Path, err)
	}

	envelopes, err := hybrid.Encode(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", record.Path, err)
	}

	slog.Debug("upload start",
		"path", record.Path, "size", humanize.Bytes(uint64(len(data))),
		"envelopes", len(envelopes))

	replies := e.replies.awaitPath(record.Path)
	defer e.replies.donePath(record.Path)

	for _, env := range envelopes {
		if err := e.conn.Send(relaymsg.NewEnvelopeData("", env)); err != nil {
			return fmt.Errorf("stream envelope %d for %s: %w", env.ChunkIndex, record.Path, err)
		}
	}

	expected := e.journaledRevision(record.Path)
	if err := e.conn.Send(relaymsg.NewChangeProposal(record.Path, expected, record, nil)); err != nil {
		return fmt.Errorf("propose %s: %w", record.Path, err)
	}

	return e.awaitCommit(ctx, record, replies)
}

// proposeDelete proposes a tombstone. No envelopes accompany it.
func (e *Engine) proposeDelete(ctx context.Context, record *manifest.FileRecord) error {
	slog.Debug("delete propose", "path", record.Path, "revision", record.Revision)

	replies := e.replies.awaitPath(record.Path)
	defer e.replies.donePath(record.Path)

	expected := e.journaledRevision(record.Path)
	if err := e.conn.Send(relaymsg.NewChangeProposal(record.Path, expected, record, nil)); err != nil {
		return fmt.Errorf("propose delete %s: %w", record.Path, err)
	}

	return e.awaitCommit(ctx, record, replies)
}

// awaitCommit blocks until the relay acks, rejects or errors the
// proposal for record.Path.
func (e *Engine) awaitCommit(ctx context.Context, record *manifest.FileRecord, replies <-chan *relaymsg.Message) error {
	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
			return fmt.Errorf("%s: %w", record.Path, ErrAckTimeout)

		case msg := <-replies:
			switch data := msg.Data.(type) {
			case relaymsg.Ack:
				committed := record.Clone()
				committed.Revision = data.NewRevision
				if err := e.journal.Set(committed); err != nil {
					return fmt.Errorf("journal commit %s: %w", record.Path, err)
				}
				slog.Info("committed", "path", record.Path, "revision", data.NewRevision, "state", committed.State)
				return nil

			case relaymsg.Conflict:
				return &ConflictError{Path: data.Path, Current: data.Current}

			case relaymsg.Error:
				return fmt.Errorf("relay rejected %s: %s (%s)", record.Path, data.Message, data.Code)
			}
		}
	}
}

func (e *Engine) journaledRevision(path string) uint64 {
	record, err := e.journal.Get(path)
	if err != nil || record == nil {
		return 0
	}
	return record.Revision
}
