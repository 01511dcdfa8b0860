package relaymsg

import (
	"github.com/mirrorbox/mirrorbox/internal/hybrid"
)

// EnvelopeRequest asks for all envelopes of one content hash.
type EnvelopeRequest struct {
	Path         string `json:"pth" msgpack:"pth"`
	OriginalHash string `json:"ohs" msgpack:"ohs"`
}

// EnvelopeData streams one envelope back to a requester, or carries an
// envelope server-ward during an upload.
type EnvelopeData struct {
	Ref      string           `json:"ref,omitempty" msgpack:"ref,omitempty"`
	Envelope *hybrid.Envelope `json:"env" msgpack:"env"`
}

func NewEnvelopeRequest(path string, originalHash string) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgEnvelopeRequest,
		Data: &EnvelopeRequest{Path: path, OriginalHash: originalHash},
	}
}

func NewEnvelopeData(ref string, envelope *hybrid.Envelope) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgEnvelopeData,
		Data: &EnvelopeData{Ref: ref, Envelope: envelope},
	}
}
