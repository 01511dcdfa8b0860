package wsproto

import (
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorbox/mirrorbox/internal/hybrid"
	"github.com/mirrorbox/mirrorbox/internal/manifest"
	"github.com/mirrorbox/mirrorbox/internal/relaymsg"
)

func TestPreferredEncoding(t *testing.T) {
	tests := []struct {
		list string
		want Encoding
	}{
		{"", EncodingJSON},
		{"json", EncodingJSON},
		{"msgpack", EncodingMsgPack},
		{"msgpack,json", EncodingMsgPack},
		{" MsgPack , json", EncodingMsgPack},
		{"protobuf,json", EncodingJSON},
		{"bogus", EncodingJSON},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, PreferredEncoding(tt.list), tt.list)
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	record := &manifest.FileRecord{
		Path:     "photos/a.png",
		Hash:     "abc123",
		Size:     512,
		ModTime:  time.Now().UTC().Truncate(time.Second),
		Revision: 3,
		State:    manifest.Present,
	}

	messages := []*relaymsg.Message{
		relaymsg.NewSystemMessage("0.1.0", "ok"),
		relaymsg.NewErrorMessage(relaymsg.CodeNotFound, "no envelopes", "photos/a.png"),
		relaymsg.NewHello("client-1", "group-1"),
		relaymsg.NewManifestSummary("group-1", []*manifest.SummaryEntry{
			{Path: "photos/a.png", Hash: "abc123", Revision: 3, State: manifest.Present},
		}),
		relaymsg.NewChangeProposal("photos/a.png", 2, record, []string{"ref1", "ref2"}),
		relaymsg.NewAck("photos/a.png", 3),
		relaymsg.NewConflict("photos/a.png", record),
		relaymsg.NewChangeBroadcast("photos/a.png", record, []string{"ref1"}),
		relaymsg.NewEnvelopeRequest("photos/a.png", "abc123"),
		relaymsg.NewEnvelopeData("ref1", &hybrid.Envelope{
			OriginalHash: "abc123",
			ChunkIndex:   0,
			ChunkCount:   1,
			ChunkHash:    "def456",
			Payload:      []byte{0x01, 0x02, 0x03},
		}),
	}

	for _, enc := range []Encoding{EncodingJSON, EncodingMsgPack} {
		t.Run(enc.String(), func(t *testing.T) {
			for _, msg := range messages {
				typ, data, err := Marshal(msg, enc)
				require.NoError(t, err, msg.Type)

				if enc == EncodingJSON {
					assert.Equal(t, websocket.MessageText, typ)
				} else {
					assert.Equal(t, websocket.MessageBinary, typ)
					assert.Equal(t, byte('M'), data[0])
					assert.Equal(t, byte('B'), data[1])
				}

				decoded, gotEnc, err := Unmarshal(typ, data)
				require.NoError(t, err, msg.Type)
				assert.Equal(t, enc, gotEnc)
				assert.Equal(t, msg.Id, decoded.Id)
				assert.Equal(t, msg.Type, decoded.Type)
				require.NotNil(t, decoded.Data)
			}
		})
	}
}

func TestUnmarshalPayloadTypes(t *testing.T) {
	msg := relaymsg.NewAck("a.png", 7)

	for _, enc := range []Encoding{EncodingJSON, EncodingMsgPack} {
		typ, data, err := Marshal(msg, enc)
		require.NoError(t, err)

		decoded, _, err := Unmarshal(typ, data)
		require.NoError(t, err)

		ack, ok := decoded.Data.(relaymsg.Ack)
		require.True(t, ok, "want value payload, got %T", decoded.Data)
		assert.Equal(t, "a.png", ack.Path)
		assert.Equal(t, uint64(7), ack.NewRevision)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, _, err := Unmarshal(websocket.MessageBinary, []byte{0x00, 0x01})
	assert.Error(t, err)

	_, _, err = Unmarshal(websocket.MessageBinary, []byte{'X', 'Y', 1, 0, 0xff})
	assert.Error(t, err)

	_, _, err = Unmarshal(websocket.MessageBinary, []byte{'M', 'B', 99, 0})
	assert.Error(t, err)

	_, _, err = Unmarshal(websocket.MessageText, []byte(`{"id":"x","typ":9999,"dat":{}}`))
	assert.Error(t, err)
}
