package ws

import (
	"github.com/mirrorbox/mirrorbox/internal/relaymsg"
	"github.com/mirrorbox/mirrorbox/internal/wsproto"
)

// ClientInfo describes one connection. ClientID and GroupID are empty
// until the client identifies itself with a Hello.
type ClientInfo struct {
	ClientID   string
	GroupID    string
	IPAddr     string
	Version    string
	WSEncoding wsproto.Encoding
}

type ClientMessage struct {
	ConnID  string
	Info    *ClientInfo
	Message *relaymsg.Message
}
