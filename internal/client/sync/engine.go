package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	stdsync "sync"
	"time"

	"github.com/mirrorbox/mirrorbox/internal/client/config"
	"github.com/mirrorbox/mirrorbox/internal/client/relay"
	"github.com/mirrorbox/mirrorbox/internal/hybrid"
	"github.com/mirrorbox/mirrorbox/internal/manifest"
	"github.com/mirrorbox/mirrorbox/internal/queue"
	"github.com/mirrorbox/mirrorbox/internal/relaymsg"
	"github.com/rjeczalik/notify"
)

// EngineState is the coarse lifecycle of the sync loop, surfaced for
// status reporting.
type EngineState string

const (
	StateIdle         EngineState = "idle"
	StateScanning     EngineState = "scanning"
	StateDiffing      EngineState = "diffing"
	StateUploading    EngineState = "uploading"
	StateDownloading  EngineState = "downloading"
	StateReconnecting EngineState = "reconnecting"
	StateError        EngineState = "error"
)

// Action priorities: deletes clear the way first, downloads converge on
// the committed state, uploads go last.
const (
	priorityDelete   = 0
	priorityDownload = 1
	priorityUpload   = 2
)

const tmpFilePrefix = ".mbtmp-"

// relayConn is the subset of the relay connection the engine drives.
type relayConn interface {
	Connect(ctx context.Context) error
	Close()
	IsConnected() bool
	Send(msg *relaymsg.Message) error
	Messages() <-chan *relaymsg.Message
}

// Engine drives one workspace against one relay connection. All sync
// work (full passes, broadcasts, watcher events) executes on a single
// loop; relay replies are routed to waiting transfers by a separate
// reader so transfers never deadlock the message stream.
type Engine struct {
	cfg     *config.Config
	conn    relayConn
	journal *Journal
	scanner *Scanner
	watcher *FileWatcher
	replies *pendingReplies
	status  *SyncStatus

	metaDir    string
	maxRetries int

	summaries  chan *relaymsg.ManifestSummary
	broadcasts chan *relaymsg.ChangeBroadcast

	state   EngineState
	stateMu stdsync.RWMutex
	wg      stdsync.WaitGroup
}

func NewEngine(cfg *config.Config, journalPath string) (*Engine, error) {
	journal, err := NewJournal(journalPath)
	if err != nil {
		return nil, fmt.Errorf("sync engine: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		conn:       relay.NewConn(cfg.ServerURL),
		journal:    journal,
		watcher:    NewFileWatcher(cfg.DataDir),
		replies:    newPendingReplies(),
		status:     NewSyncStatus(),
		metaDir:    filepath.Join(cfg.DataDir, ".mirrorbox"),
		maxRetries: cfg.MaxRetries,
		summaries:  make(chan *relaymsg.ManifestSummary, 1),
		broadcasts: make(chan *relaymsg.ChangeBroadcast, 64),
		state:      StateIdle,
	}
	e.scanner = NewScanner(cfg.DataDir, journal, e.skipPath)
	e.watcher.SetDebounceTimeout(cfg.Debounce)
	e.watcher.FilterPaths(e.skipPath)
	return e, nil
}

func (e *Engine) Start(ctx context.Context) error {
	slog.Info("sync engine start", "root", e.cfg.DataDir, "group", e.cfg.GroupID, "client", e.cfg.ClientID)

	if err := e.watcher.Start(ctx); err != nil {
		return fmt.Errorf("sync engine: watcher: %w", err)
	}

	e.setState(StateReconnecting)
	if err := e.conn.Connect(ctx); err != nil {
		return fmt.Errorf("sync engine: %w", err)
	}

	e.wg.Add(2)
	go e.routeMessages(ctx)
	go e.syncLoop(ctx)
	return nil
}

func (e *Engine) Stop() error {
	e.watcher.Stop()
	e.conn.Close()
	e.wg.Wait()
	slog.Info("sync engine stop")
	return e.journal.Close()
}

func (e *Engine) State() EngineState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

// Status exposes in-flight and failed path tracking.
func (e *Engine) Status() *SyncStatus {
	return e.status
}

func (e *Engine) setState(state EngineState) {
	e.stateMu.Lock()
	e.state = state
	e.stateMu.Unlock()
}

// skipPath drops the metadata dir and atomic-write temp files from
// watching and scanning.
func (e *Engine) skipPath(absPath string) bool {
	if strings.HasPrefix(absPath, e.metaDir) {
		return true
	}
	return strings.HasPrefix(filepath.Base(absPath), tmpFilePrefix)
}

func (e *Engine) absPath(relPath string) string {
	return filepath.Join(e.cfg.DataDir, filepath.FromSlash(relPath))
}

func (e *Engine) relPath(absPath string) (string, error) {
	rel, err := filepath.Rel(e.cfg.DataDir, absPath)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// routeMessages consumes the relay stream. Session-level messages feed
// the sync loop; per-transfer replies go to their waiters.
func (e *Engine) routeMessages(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-e.conn.Messages():
			if !ok {
				return
			}
			e.routeMessage(msg)
		}
	}
}

func (e *Engine) routeMessage(msg *relaymsg.Message) {
	switch data := msg.Data.(type) {
	case relaymsg.System:
		// fresh session: announce ourselves, the relay answers with
		// the authoritative summary which triggers a full pass
		slog.Info("relay session", "serverVersion", data.ServerVersion, "status", data.Status)
		e.setState(StateReconnecting)
		if err := e.conn.Send(relaymsg.NewHello(e.cfg.ClientID, e.cfg.GroupID)); err != nil {
			slog.Warn("hello send", "error", err)
		}

	case relaymsg.ManifestSummary:
		select {
		case e.summaries <- &data:
		default:
			// a pass is already queued; the newer summary arrives with
			// the next exchange
		}

	case relaymsg.ChangeBroadcast:
		select {
		case e.broadcasts <- &data:
		default:
			slog.Warn("broadcast buffer full, resync will recover", "path", data.Path)
		}

	case relaymsg.Ack:
		e.deliverOrWarn(data.Path, msg)
	case relaymsg.Conflict:
		e.deliverOrWarn(data.Path, msg)

	case relaymsg.EnvelopeData:
		if data.Envelope == nil || !e.replies.deliverHash(data.Envelope.OriginalHash, msg) {
			slog.Debug("unclaimed envelope data", "id", msg.Id)
		}

	case relaymsg.Error:
		if data.Path == "" || !e.replies.deliverPath(data.Path, msg) {
			slog.Warn("relay error", "code", data.Code, "message", data.Message, "path", data.Path)
		}

	default:
		slog.Debug("unhandled relay message", "id", msg.Id, "type", msg.Type)
	}
}

func (e *Engine) deliverOrWarn(path string, msg *relaymsg.Message) {
	if !e.replies.deliverPath(path, msg) {
		slog.Warn("unclaimed reply", "id", msg.Id, "type", msg.Type, "path", path)
	}
}

// syncLoop serializes all manifest-mutating work.
func (e *Engine) syncLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.FullSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case summary := <-e.summaries:
			e.fullSync(ctx, manifest.FromSummary(summary.Entries))

		case broadcast := <-e.broadcasts:
			e.applyBroadcast(ctx, broadcast)

		case event, ok := <-e.watcher.Events():
			if !ok {
				return
			}
			e.handleFileEvent(ctx, event)

		case <-ticker.C:
			e.requestSummary()
		}
	}
}

// requestSummary sends our local summary; the relay answers with the
// authoritative one. This is the recovery path for dropped broadcasts.
func (e *Engine) requestSummary() {
	if !e.conn.IsConnected() {
		return
	}

	journaled, err := e.journal.State()
	if err != nil {
		slog.Warn("summary request", "error", err)
		return
	}

	if err := e.conn.Send(relaymsg.NewManifestSummary(e.cfg.GroupID, journaled.Summary())); err != nil {
		slog.Debug("summary request send", "error", err)
	}
}

// fullSync reconciles a fresh scan against the authoritative manifest
// and executes the resulting plan. Per-path failures are recorded and
// never abort the rest of the plan.
func (e *Engine) fullSync(ctx context.Context, authoritative manifest.Manifest) {
	started := time.Now()

	e.setState(StateScanning)
	local, err := e.scanner.Scan(ctx)
	if err != nil {
		slog.Error("full sync scan", "error", err)
		e.setState(StateError)
		return
	}

	e.setState(StateDiffing)
	plan := manifest.Actionable(manifest.Reconcile(local, authoritative))
	if len(plan) == 0 {
		e.pruneTombstones(authoritative)
		e.setState(StateIdle)
		return
	}

	pq := queue.NewPriorityQueue[*manifest.Action]()
	for _, action := range plan {
		switch action.Op {
		case manifest.OpDelete:
			pq.Enqueue(action, priorityDelete)
		case manifest.OpDownload:
			pq.Enqueue(action, priorityDownload)
		case manifest.OpUpload:
			pq.Enqueue(action, priorityUpload)
		}
	}

	slog.Info("sync plan", "actions", pq.Len(), "total", len(local))
	for {
		action, ok := pq.Dequeue()
		if !ok {
			break
		}
		if ctx.Err() != nil {
			return
		}
		e.execute(ctx, action)
	}

	e.pruneTombstones(authoritative)
	e.setState(StateIdle)
	slog.Info("full sync done", "took", time.Since(started), "failed", len(e.status.Failed()))
}

// pruneTombstones drops journaled tombstones the relay no longer
// carries, mirroring the server's own tombstone garbage collection.
func (e *Engine) pruneTombstones(authoritative manifest.Manifest) {
	pruned, err := e.journal.PruneTombstones(authoritative)
	if err != nil {
		slog.Warn("tombstone prune", "error", err)
		return
	}
	if pruned > 0 {
		slog.Debug("tombstone prune", "pruned", pruned)
	}
}

func (e *Engine) execute(ctx context.Context, action *manifest.Action) {
	path := action.Path
	e.status.SetSyncing(path)
	defer e.status.UnsetSyncing(path)

	var err error
	switch action.Op {
	case manifest.OpDelete:
		e.setState(StateDownloading)
		err = e.applyDelete(action.Authoritative)

	case manifest.OpDownload:
		e.setState(StateDownloading)
		err = e.download(ctx, action.Authoritative)

	case manifest.OpUpload:
		e.setState(StateUploading)
		err = e.runUpload(ctx, action.Local)
	}

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("sync action failed", "op", action.Op, "path", path, "error", err)
		e.status.MarkFailed(path, e.maxRetries)
		return
	}
	e.status.ClearFailed(path)
}

// runUpload proposes a local change with bounded retries, following a
// conflict by adopting the committed record (last committed wins, no
// automatic merge).
func (e *Engine) runUpload(ctx context.Context, local *manifest.FileRecord) error {
	delay := downloadRetryDelay
	var err error

	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		if local.IsDeleted() {
			err = e.proposeDelete(ctx, local)
		} else {
			err = e.upload(ctx, local, e.absPath(local.Path))
		}
		if err == nil {
			return nil
		}

		var conflict *ConflictError
		if errors.As(err, &conflict) {
			slog.Info("conflict, adopting committed record",
				"path", conflict.Path, "revision", conflict.Current.Revision)
			return e.adoptRecord(ctx, conflict.Current)
		}
		if errors.Is(err, hybrid.ErrFileTooSmall) || errors.Is(err, hybrid.ErrFileTooLarge) {
			// outside the size class, no retry will change that
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		slog.Warn("upload retry", "path", local.Path, "attempt", attempt, "error", err)
	}
	return err
}

// adoptRecord converges the local path onto a committed record.
func (e *Engine) adoptRecord(ctx context.Context, record *manifest.FileRecord) error {
	if record.IsDeleted() {
		return e.applyDelete(record)
	}

	journaled, err := e.journal.Get(record.Path)
	if err == nil && journaled != nil && journaled.Hash == record.Hash && !journaled.IsDeleted() {
		committed := journaled.Clone()
		committed.Revision = record.Revision
		return e.journal.Set(committed)
	}
	return e.download(ctx, record)
}

// applyBroadcast applies one committed remote change.
func (e *Engine) applyBroadcast(ctx context.Context, broadcast *relaymsg.ChangeBroadcast) {
	record := broadcast.Record
	if record == nil {
		return
	}

	journaled, err := e.journal.Get(record.Path)
	if err != nil {
		slog.Warn("broadcast journal", "path", record.Path, "error", err)
		return
	}
	if journaled != nil && journaled.Revision >= record.Revision {
		// already observed, likely our own change echoed via resync
		return
	}

	e.status.SetSyncing(record.Path)
	defer e.status.UnsetSyncing(record.Path)

	if err := e.adoptRecord(ctx, record); err != nil {
		slog.Warn("broadcast apply failed", "path", record.Path, "revision", record.Revision, "error", err)
		e.status.MarkFailed(record.Path, e.maxRetries)
		return
	}
	e.status.ClearFailed(record.Path)
}

// handleFileEvent re-derives the truth for one path by hashing, never
// trusting the event kind, and proposes the change if the content
// actually moved.
func (e *Engine) handleFileEvent(ctx context.Context, event notify.EventInfo) {
	relPath, err := e.relPath(event.Path())
	if err != nil || relPath == "." || strings.HasPrefix(relPath, "..") {
		return
	}

	record, err := e.scanner.ScanPath(relPath)
	if err != nil {
		slog.Warn("file event scan", "path", relPath, "error", err)
		return
	}
	if record == nil {
		return
	}

	journaled, err := e.journal.Get(relPath)
	if err != nil {
		slog.Warn("file event journal", "path", relPath, "error", err)
		return
	}

	switch {
	case record.IsDeleted():
		if journaled == nil || journaled.IsDeleted() {
			return
		}
	case journaled != nil && journaled.Hash == record.Hash && !journaled.IsDeleted():
		return
	}

	slog.Debug("local change", "path", relPath, "state", record.State)

	e.status.SetSyncing(relPath)
	defer e.status.UnsetSyncing(relPath)

	if err := e.runUpload(ctx, record); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("local change sync failed", "path", relPath, "error", err)
		e.status.MarkFailed(relPath, e.maxRetries)
		return
	}
	e.status.ClearFailed(relPath)
}
