package server

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mirrorbox/mirrorbox/internal/hybrid"
	"github.com/mirrorbox/mirrorbox/internal/relaymsg"
	"github.com/mirrorbox/mirrorbox/internal/server/group"
	"github.com/mirrorbox/mirrorbox/internal/server/storage"
	"github.com/mirrorbox/mirrorbox/internal/server/ws"
)

func (s *Server) handleSocketMessages(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case clientMsg, ok := <-s.hub.Messages():
			if !ok {
				return
			}
			s.dispatch(ctx, clientMsg)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, clientMsg *ws.ClientMessage) {
	msg := clientMsg.Message

	switch msg.Type {
	case relaymsg.MsgHello:
		s.handleHello(ctx, clientMsg)
	case relaymsg.MsgManifestSummary:
		s.handleSummaryRequest(ctx, clientMsg)
	case relaymsg.MsgEnvelopeData:
		s.handleEnvelopeUpload(ctx, clientMsg)
	case relaymsg.MsgChangeProposal:
		s.handleChangeProposal(ctx, clientMsg)
	case relaymsg.MsgEnvelopeRequest:
		s.handleEnvelopeRequest(ctx, clientMsg)
	default:
		slog.Debug("dispatch unhandled type", "connId", clientMsg.ConnID, "msgType", msg.Type)
	}
}

// handleHello binds the connection to its group and replies with the
// authoritative manifest summary so the client can diff immediately.
func (s *Server) handleHello(ctx context.Context, clientMsg *ws.ClientMessage) {
	hello, ok := clientMsg.Message.Data.(relaymsg.Hello)
	if !ok {
		s.sendError(clientMsg.ConnID, relaymsg.CodeBadRequest, "invalid hello payload", "")
		return
	}
	if hello.ClientID == "" || hello.GroupID == "" {
		s.sendError(clientMsg.ConnID, relaymsg.CodeBadRequest, "hello requires client and group ids", "")
		return
	}

	s.hub.Identify(clientMsg.ConnID, hello.ClientID, hello.GroupID)

	g, err := s.groups.Get(hello.GroupID)
	if err != nil {
		slog.Error("hello group", "group", hello.GroupID, "error", err)
		s.sendError(clientMsg.ConnID, relaymsg.CodeInternalError, "group unavailable", "")
		return
	}

	entries, err := g.Summary(ctx)
	if err != nil {
		slog.Error("hello summary", "group", hello.GroupID, "error", err)
		s.sendError(clientMsg.ConnID, relaymsg.CodeInternalError, "summary unavailable", "")
		return
	}

	s.hub.SendMessage(clientMsg.ConnID, relaymsg.NewManifestSummary(hello.GroupID, entries))
}

// handleSummaryRequest answers a client's summary with the authoritative
// one. Used by clients to resync after dropped broadcasts.
func (s *Server) handleSummaryRequest(ctx context.Context, clientMsg *ws.ClientMessage) {
	g := s.connGroup(clientMsg)
	if g == nil {
		return
	}

	entries, err := g.Summary(ctx)
	if err != nil {
		slog.Error("summary", "group", g.ID, "error", err)
		s.sendError(clientMsg.ConnID, relaymsg.CodeInternalError, "summary unavailable", "")
		return
	}

	s.hub.SendMessage(clientMsg.ConnID, relaymsg.NewManifestSummary(g.ID, entries))
}

// handleEnvelopeUpload persists one streamed envelope and stashes its ref
// until the matching change proposal arrives.
func (s *Server) handleEnvelopeUpload(ctx context.Context, clientMsg *ws.ClientMessage) {
	envData, ok := clientMsg.Message.Data.(relaymsg.EnvelopeData)
	if !ok || envData.Envelope == nil {
		s.sendError(clientMsg.ConnID, relaymsg.CodeBadRequest, "invalid envelope payload", "")
		return
	}
	env := envData.Envelope

	payload, err := marshalEnvelope(env)
	if err != nil {
		slog.Error("envelope marshal", "connId", clientMsg.ConnID, "error", err)
		s.sendError(clientMsg.ConnID, relaymsg.CodeInternalError, "envelope encode failed", "")
		return
	}

	ref, err := s.backend.Put(ctx, payload)
	if err != nil {
		slog.Error("envelope put", "connId", clientMsg.ConnID, "hash", env.OriginalHash, "error", err)
		s.sendError(clientMsg.ConnID, relaymsg.CodeStorageFailed, "envelope store failed", "")
		return
	}

	s.pending.add(clientMsg.ConnID, env.OriginalHash, env.ChunkIndex, env.ChunkCount, ref)
	slog.Debug("envelope stored",
		"connId", clientMsg.ConnID, "hash", env.OriginalHash,
		"chunk", env.ChunkIndex, "size", humanize.Bytes(uint64(len(env.Payload))))
}

// handleChangeProposal commits a proposed record against the group's
// authoritative manifest and fans the result out.
func (s *Server) handleChangeProposal(ctx context.Context, clientMsg *ws.ClientMessage) {
	proposal, ok := clientMsg.Message.Data.(relaymsg.ChangeProposal)
	if !ok || proposal.Record == nil {
		s.sendError(clientMsg.ConnID, relaymsg.CodeBadRequest, "invalid proposal payload", "")
		return
	}

	g := s.connGroup(clientMsg)
	if g == nil {
		return
	}

	refs := proposal.EnvelopeRefs
	if len(refs) == 0 && !proposal.Record.IsDeleted() {
		stashed, complete := s.pending.take(clientMsg.ConnID, proposal.Record.Hash)
		if !complete {
			// content already known to the group (e.g. a rename or a
			// re-proposal after conflict) needs no fresh envelopes
			known, err := g.EnvelopeRefs(ctx, proposal.Record.Hash)
			if err != nil || len(known) == 0 {
				s.sendError(clientMsg.ConnID, relaymsg.CodeBadRequest, "envelope set incomplete", proposal.Path)
				return
			}
			stashed = known
		}
		refs = stashed
	}

	result, err := g.Propose(ctx, proposal.Record, proposal.ExpectedRevision, refs)
	if err != nil {
		slog.Error("proposal commit", "group", g.ID, "path", proposal.Path, "error", err)
		if errors.Is(err, storage.ErrStorage) {
			s.sendError(clientMsg.ConnID, relaymsg.CodeStorageFailed, "commit failed", proposal.Path)
		} else {
			s.sendError(clientMsg.ConnID, relaymsg.CodeInternalError, "commit failed", proposal.Path)
		}
		return
	}

	switch result.Status {
	case group.Committed:
		s.hub.SendMessage(clientMsg.ConnID, relaymsg.NewAck(proposal.Path, result.Record.Revision))
		s.hub.BroadcastGroup(g.ID, relaymsg.NewChangeBroadcast(proposal.Path, result.Record, result.Refs), clientMsg.ConnID)
	case group.Stale:
		s.hub.SendMessage(clientMsg.ConnID, relaymsg.NewConflict(proposal.Path, result.Record))
	}
}

// handleEnvelopeRequest streams the full envelope set for a content hash
// back to the requester.
func (s *Server) handleEnvelopeRequest(ctx context.Context, clientMsg *ws.ClientMessage) {
	req, ok := clientMsg.Message.Data.(relaymsg.EnvelopeRequest)
	if !ok {
		s.sendError(clientMsg.ConnID, relaymsg.CodeBadRequest, "invalid envelope request", "")
		return
	}

	g := s.connGroup(clientMsg)
	if g == nil {
		return
	}

	refs, err := g.EnvelopeRefs(ctx, req.OriginalHash)
	if err != nil {
		slog.Error("envelope refs", "group", g.ID, "hash", req.OriginalHash, "error", err)
		s.sendError(clientMsg.ConnID, relaymsg.CodeInternalError, "envelope lookup failed", req.Path)
		return
	}
	if len(refs) == 0 {
		s.sendError(clientMsg.ConnID, relaymsg.CodeNotFound, "no envelopes for hash", req.Path)
		return
	}

	for _, ref := range refs {
		payload, err := s.backend.Get(ctx, ref)
		if err != nil {
			slog.Error("envelope get", "group", g.ID, "ref", ref, "error", err)
			s.sendError(clientMsg.ConnID, relaymsg.CodeStorageFailed, "envelope fetch failed", req.Path)
			return
		}

		env, err := unmarshalEnvelope(payload)
		if err != nil {
			slog.Error("envelope decode", "group", g.ID, "ref", ref, "error", err)
			s.sendError(clientMsg.ConnID, relaymsg.CodeInternalError, "envelope corrupt", req.Path)
			return
		}

		if !s.hub.SendMessage(clientMsg.ConnID, relaymsg.NewEnvelopeData(ref, env)) {
			// requester gone or backed up; it will re-request
			return
		}
	}
}

// connGroup resolves the group for an identified connection, sending an
// error to unidentified ones.
func (s *Server) connGroup(clientMsg *ws.ClientMessage) *group.Group {
	groupID := clientMsg.Info.GroupID
	if groupID == "" {
		s.sendError(clientMsg.ConnID, relaymsg.CodeUnknownGroup, "hello required before sync messages", "")
		return nil
	}

	g, err := s.groups.Get(groupID)
	if err != nil {
		slog.Error("resolve group", "group", groupID, "error", err)
		s.sendError(clientMsg.ConnID, relaymsg.CodeInternalError, "group unavailable", "")
		return nil
	}
	return g
}

func (s *Server) sendError(connID string, code relaymsg.ErrorCode, message string, path string) {
	s.hub.SendMessage(connID, relaymsg.NewErrorMessage(code, message, path))
}

func marshalEnvelope(env *hybrid.Envelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

func unmarshalEnvelope(payload []byte) (*hybrid.Envelope, error) {
	var env hybrid.Envelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
