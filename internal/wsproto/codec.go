package wsproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coder/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mirrorbox/mirrorbox/internal/relaymsg"
)

// Encoding indicates which wire encoding is used for WebSocket messages.
type Encoding uint8

const (
	EncodingJSON Encoding = iota
	EncodingMsgPack
)

func (e Encoding) String() string {
	switch e {
	case EncodingMsgPack:
		return "msgpack"
	default:
		return "json"
	}
}

const (
	magic0  = byte('M')
	magic1  = byte('B')
	version = byte(1)
)

// PreferredEncoding parses a comma-separated preference list (e.g.
// "msgpack,json"). Returns EncodingJSON if the list is empty/unknown.
func PreferredEncoding(list string) Encoding {
	for _, p := range strings.Split(list, ",") {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "msgpack":
			return EncodingMsgPack
		case "json":
			return EncodingJSON
		}
	}
	return EncodingJSON
}

// Marshal encodes a relaymsg.Message for WebSocket transport.
// JSON uses TextMessage. MsgPack uses BinaryMessage with an envelope:
// [magic][version][encoding][payload].
func Marshal(msg *relaymsg.Message, enc Encoding) (websocket.MessageType, []byte, error) {
	if enc == EncodingJSON {
		data, err := json.Marshal(msg)
		return websocket.MessageText, data, err
	}

	payload, err := marshalMsgpack(msg)
	if err != nil {
		return websocket.MessageBinary, nil, err
	}

	buf := make([]byte, 4+len(payload))
	buf[0], buf[1], buf[2], buf[3] = magic0, magic1, version, byte(enc)
	copy(buf[4:], payload)
	return websocket.MessageBinary, buf, nil
}

// Unmarshal decodes a WebSocket frame into a relaymsg.Message.
func Unmarshal(typ websocket.MessageType, data []byte) (*relaymsg.Message, Encoding, error) {
	switch typ {
	case websocket.MessageText:
		var msg relaymsg.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, EncodingJSON, err
		}
		return &msg, EncodingJSON, nil

	case websocket.MessageBinary:
		if len(data) < 4 || data[0] != magic0 || data[1] != magic1 {
			return nil, EncodingMsgPack, errors.New("binary message missing MB envelope")
		}
		if data[2] != version {
			return nil, EncodingMsgPack, fmt.Errorf("unsupported ws envelope version: %d", data[2])
		}
		enc := Encoding(data[3])
		payload := data[4:]
		switch enc {
		case EncodingMsgPack:
			msg, err := unmarshalMsgpack(payload)
			return msg, enc, err
		case EncodingJSON:
			var msg relaymsg.Message
			if err := json.Unmarshal(payload, &msg); err != nil {
				return nil, enc, err
			}
			return &msg, enc, nil
		default:
			return nil, enc, fmt.Errorf("unknown ws encoding: %d", enc)
		}

	default:
		return nil, EncodingJSON, fmt.Errorf("unsupported websocket message type: %v", typ)
	}
}

type wireMessage struct {
	Id   string               `msgpack:"id"`
	Type relaymsg.MessageType `msgpack:"typ"`
	Data []byte               `msgpack:"dat"`
}

func marshalMsgpack(msg *relaymsg.Message) ([]byte, error) {
	dat, err := msgpack.Marshal(msg.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msg.Type, err)
	}

	w := wireMessage{Id: msg.Id, Type: msg.Type, Data: dat}
	return msgpack.Marshal(&w)
}

func unmarshalMsgpack(payload []byte) (*relaymsg.Message, error) {
	var w wireMessage
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	dec.SetCustomStructTag("msgpack")
	if err := dec.Decode(&w); err != nil {
		return nil, err
	}

	msg := &relaymsg.Message{Id: w.Id, Type: w.Type}
	switch w.Type {
	case relaymsg.MsgSystem:
		var sys relaymsg.System
		if err := msgpack.Unmarshal(w.Data, &sys); err != nil {
			return nil, err
		}
		msg.Data = sys
	case relaymsg.MsgError:
		var e relaymsg.Error
		if err := msgpack.Unmarshal(w.Data, &e); err != nil {
			return nil, err
		}
		msg.Data = e
	case relaymsg.MsgHello:
		var hello relaymsg.Hello
		if err := msgpack.Unmarshal(w.Data, &hello); err != nil {
			return nil, err
		}
		msg.Data = hello
	case relaymsg.MsgManifestSummary:
		var summary relaymsg.ManifestSummary
		if err := msgpack.Unmarshal(w.Data, &summary); err != nil {
			return nil, err
		}
		msg.Data = summary
	case relaymsg.MsgChangeProposal:
		var proposal relaymsg.ChangeProposal
		if err := msgpack.Unmarshal(w.Data, &proposal); err != nil {
			return nil, err
		}
		msg.Data = proposal
	case relaymsg.MsgAck:
		var ack relaymsg.Ack
		if err := msgpack.Unmarshal(w.Data, &ack); err != nil {
			return nil, err
		}
		msg.Data = ack
	case relaymsg.MsgConflict:
		var conflict relaymsg.Conflict
		if err := msgpack.Unmarshal(w.Data, &conflict); err != nil {
			return nil, err
		}
		msg.Data = conflict
	case relaymsg.MsgChangeBroadcast:
		var broadcast relaymsg.ChangeBroadcast
		if err := msgpack.Unmarshal(w.Data, &broadcast); err != nil {
			return nil, err
		}
		msg.Data = broadcast
	case relaymsg.MsgEnvelopeRequest:
		var req relaymsg.EnvelopeRequest
		if err := msgpack.Unmarshal(w.Data, &req); err != nil {
			return nil, err
		}
		msg.Data = req
	case relaymsg.MsgEnvelopeData:
		var envData relaymsg.EnvelopeData
		if err := msgpack.Unmarshal(w.Data, &envData); err != nil {
			return nil, err
		}
		msg.Data = envData
	default:
		return nil, fmt.Errorf("unknown message type: %d", w.Type)
	}

	return msg, nil
}
