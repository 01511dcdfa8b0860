package relaymsg

import (
	"github.com/mirrorbox/mirrorbox/internal/manifest"
)

// Hello establishes the client's identity and sync group. All subsequent
// messages on the connection are scoped to the group announced here.
type Hello struct {
	ClientID string `json:"cid" msgpack:"cid"`
	GroupID  string `json:"gid" msgpack:"gid"`
}

// ManifestSummary carries the compact form of a manifest. The server
// replies to a client summary with the authoritative one so the client
// can compute its reconciliation plan immediately.
type ManifestSummary struct {
	GroupID string                   `json:"gid" msgpack:"gid"`
	Entries []*manifest.SummaryEntry `json:"ent" msgpack:"ent"`
}

// ChangeProposal asks the server to commit a new record for a path.
// ExpectedRevision is the revision the client last observed; the server
// rejects the proposal with a Conflict if it is stale.
type ChangeProposal struct {
	Path             string               `json:"pth" msgpack:"pth"`
	ExpectedRevision uint64               `json:"erv" msgpack:"erv"`
	Record           *manifest.FileRecord `json:"rec" msgpack:"rec"`
	EnvelopeRefs     []string             `json:"ref" msgpack:"ref"`
}

type Ack struct {
	Path        string `json:"pth" msgpack:"pth"`
	NewRevision uint64 `json:"rev" msgpack:"rev"`
}

// Conflict rejects a stale proposal and carries the now-current
// authoritative record for re-reconciliation. Last-committed-wins.
type Conflict struct {
	Path    string               `json:"pth" msgpack:"pth"`
	Current *manifest.FileRecord `json:"cur" msgpack:"cur"`
}

// ChangeBroadcast fans a committed change out to the rest of the group.
type ChangeBroadcast struct {
	Path         string               `json:"pth" msgpack:"pth"`
	Record       *manifest.FileRecord `json:"rec" msgpack:"rec"`
	EnvelopeRefs []string             `json:"ref" msgpack:"ref"`
}

func NewHello(clientID, groupID string) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgHello,
		Data: &Hello{ClientID: clientID, GroupID: groupID},
	}
}

func NewManifestSummary(groupID string, entries []*manifest.SummaryEntry) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgManifestSummary,
		Data: &ManifestSummary{GroupID: groupID, Entries: entries},
	}
}

func NewChangeProposal(path string, expectedRevision uint64, record *manifest.FileRecord, refs []string) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgChangeProposal,
		Data: &ChangeProposal{
			Path:             path,
			ExpectedRevision: expectedRevision,
			Record:           record,
			EnvelopeRefs:     refs,
		},
	}
}

func NewAck(path string, newRevision uint64) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgAck,
		Data: &Ack{Path: path, NewRevision: newRevision},
	}
}

func NewConflict(path string, current *manifest.FileRecord) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgConflict,
		Data: &Conflict{Path: path, Current: current},
	}
}

func NewChangeBroadcast(path string, record *manifest.FileRecord, refs []string) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgChangeBroadcast,
		Data: &ChangeBroadcast{Path: path, Record: record, EnvelopeRefs: refs},
	}
}
