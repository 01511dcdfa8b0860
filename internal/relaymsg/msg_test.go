package relaymsg

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorbox/mirrorbox/internal/manifest"
)

func TestMessageIDGenerated(t *testing.T) {
	a := NewHello("c1", "g1")
	b := NewHello("c1", "g1")

	assert.Len(t, a.Id, IdSize*2) // hex encoded
	assert.NotEqual(t, a.Id, b.Id)
}

func TestMessageJSONRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		chk  func(t *testing.T, data any)
	}{
		{
			name: "system",
			msg:  NewSystemMessage("1.0.0", "ok"),
			chk: func(t *testing.T, data any) {
				sys, ok := data.(System)
				require.True(t, ok)
				assert.Equal(t, "1.0.0", sys.ServerVersion)
				assert.Equal(t, "ok", sys.Status)
			},
		},
		{
			name: "error",
			msg:  NewErrorMessage(CodeStorageFailed, "put failed", "a.png"),
			chk: func(t *testing.T, data any) {
				e, ok := data.(Error)
				require.True(t, ok)
				assert.Equal(t, CodeStorageFailed, e.Code)
				assert.Equal(t, "a.png", e.Path)
			},
		},
		{
			name: "hello",
			msg:  NewHello("client-1", "group-1"),
			chk: func(t *testing.T, data any) {
				hello, ok := data.(Hello)
				require.True(t, ok)
				assert.Equal(t, "client-1", hello.ClientID)
				assert.Equal(t, "group-1", hello.GroupID)
			},
		},
		{
			name: "summary",
			msg: NewManifestSummary("group-1", []*manifest.SummaryEntry{
				{Path: "a.png", Hash: "h1", Revision: 2, State: manifest.Deleted},
			}),
			chk: func(t *testing.T, data any) {
				summary, ok := data.(ManifestSummary)
				require.True(t, ok)
				require.Len(t, summary.Entries, 1)
				assert.Equal(t, manifest.Deleted, summary.Entries[0].State)
			},
		},
		{
			name: "conflict",
			msg: NewConflict("a.png", &manifest.FileRecord{
				Path: "a.png", Hash: "h2", Revision: 4, State: manifest.Present,
			}),
			chk: func(t *testing.T, data any) {
				conflict, ok := data.(Conflict)
				require.True(t, ok)
				require.NotNil(t, conflict.Current)
				assert.Equal(t, uint64(4), conflict.Current.Revision)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.msg)
			require.NoError(t, err)

			var decoded Message
			require.NoError(t, json.Unmarshal(raw, &decoded))

			assert.Equal(t, tt.msg.Id, decoded.Id)
			assert.Equal(t, tt.msg.Type, decoded.Type)
			tt.chk(t, decoded.Data)
		})
	}
}

func TestMessageUnknownType(t *testing.T) {
	var decoded Message
	err := json.Unmarshal([]byte(`{"id":"abc","typ":4242,"dat":{}}`), &decoded)
	assert.Error(t, err)
}
