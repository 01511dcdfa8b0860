package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mirrorbox/mirrorbox/internal/relaymsg"
)

func TestToWebsocketURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://localhost:8080/api/v1/events", "ws://localhost:8080/api/v1/events"},
		{"https://relay.example.com/api/v1/events", "wss://relay.example.com/api/v1/events"},
		{"ws://already.ws/events", "ws://already.ws/events"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, toWebsocketURL(tt.in))
	}
}

func TestFullURL(t *testing.T) {
	conn := NewConn("https://relay.example.com")
	defer conn.Close()

	url, err := conn.fullURL()
	assert.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com/api/v1/events", url)
}

func TestSendWhileDisconnected(t *testing.T) {
	conn := NewConn("http://localhost:1")
	defer conn.Close()

	err := conn.Send(relaymsg.NewHello("c1", "g1"))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, conn.IsConnected())
}
