package relaymsg

import "fmt"

type MessageType uint16

const (
	MsgSystem MessageType = iota
	MsgError
	MsgHello
	MsgManifestSummary
	MsgChangeProposal
	MsgAck
	MsgConflict
	MsgChangeBroadcast
	MsgEnvelopeRequest
	MsgEnvelopeData
)

func (t MessageType) String() string {
	switch t {
	case MsgSystem:
		return "SYSTEM"
	case MsgError:
		return "ERROR"
	case MsgHello:
		return "HELLO"
	case MsgManifestSummary:
		return "MANIFEST_SUMMARY"
	case MsgChangeProposal:
		return "CHANGE_PROPOSAL"
	case MsgAck:
		return "ACK"
	case MsgConflict:
		return "CONFLICT"
	case MsgChangeBroadcast:
		return "CHANGE_BROADCAST"
	case MsgEnvelopeRequest:
		return "ENVELOPE_REQUEST"
	case MsgEnvelopeData:
		return "ENVELOPE_DATA"
	default:
		return fmt.Sprintf("???(%d)", t)
	}
}
