package relaymsg

import (
	"encoding/json"
	"fmt"

	"github.com/mirrorbox/mirrorbox/internal/utils"
)

const IdSize = 3

type Message struct {
	Id   string      `json:"id"`
	Type MessageType `json:"typ"`
	Data any         `json:"dat"`
}

// UnmarshalJSON decodes Data into the concrete payload type for Type.
func (m *Message) UnmarshalJSON(data []byte) error {
	type tempMessage struct {
		Id   string          `json:"id"`
		Type MessageType     `json:"typ"`
		Data json.RawMessage `json:"dat"`
	}

	var temp tempMessage
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	m.Id = temp.Id
	m.Type = temp.Type

	switch m.Type {
	case MsgSystem:
		var sys System
		if err := json.Unmarshal(temp.Data, &sys); err != nil {
			return err
		}
		m.Data = sys
	case MsgError:
		var e Error
		if err := json.Unmarshal(temp.Data, &e); err != nil {
			return err
		}
		m.Data = e
	case MsgHello:
		var hello Hello
		if err := json.Unmarshal(temp.Data, &hello); err != nil {
			return err
		}
		m.Data = hello
	case MsgManifestSummary:
		var summary ManifestSummary
		if err := json.Unmarshal(temp.Data, &summary); err != nil {
			return err
		}
		m.Data = summary
	case MsgChangeProposal:
		var proposal ChangeProposal
		if err := json.Unmarshal(temp.Data, &proposal); err != nil {
			return err
		}
		m.Data = proposal
	case MsgAck:
		var ack Ack
		if err := json.Unmarshal(temp.Data, &ack); err != nil {
			return err
		}
		m.Data = ack
	case MsgConflict:
		var conflict Conflict
		if err := json.Unmarshal(temp.Data, &conflict); err != nil {
			return err
		}
		m.Data = conflict
	case MsgChangeBroadcast:
		var broadcast ChangeBroadcast
		if err := json.Unmarshal(temp.Data, &broadcast); err != nil {
			return err
		}
		m.Data = broadcast
	case MsgEnvelopeRequest:
		var req EnvelopeRequest
		if err := json.Unmarshal(temp.Data, &req); err != nil {
			return err
		}
		m.Data = req
	case MsgEnvelopeData:
		var envData EnvelopeData
		if err := json.Unmarshal(temp.Data, &envData); err != nil {
			return err
		}
		m.Data = envData
	default:
		return fmt.Errorf("unknown message type: %d", m.Type)
	}

	return nil
}

func generateID() string {
	return utils.TokenHex(IdSize)
}
