package ws

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/mirrorbox/mirrorbox/internal/relaymsg"
	"github.com/mirrorbox/mirrorbox/internal/version"
	"github.com/mirrorbox/mirrorbox/internal/wsproto"
)

const (
	maxMessageSize = 16 * 1024 * 1024 // envelope payloads + codec overhead
)

type WebsocketHub struct {
	clients  map[string]*WebsocketClient // map of ConnectionID -> Client
	register chan *WebsocketClient
	msgs     chan *ClientMessage

	wg sync.WaitGroup
	mu sync.RWMutex
}

func NewHub() *WebsocketHub {
	return &WebsocketHub{
		clients:  make(map[string]*WebsocketClient),
		register: make(chan *WebsocketClient),
		msgs:     make(chan *ClientMessage, 256),
	}
}

func (h *WebsocketHub) Run(ctx context.Context) {
	slog.Info("wshub started")
	defer slog.Info("wshub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ConnID] = client
			slog.Debug("wshub registered", "connId", client.ConnID, "active", len(h.clients))
			h.mu.Unlock()

			h.wg.Add(1)
			client.Start(ctx)
			go h.handleClientMessages(client)
			go func() {
				// if client closes, we just remove it from the hub
				<-client.Closed

				h.mu.Lock()
				defer h.mu.Unlock()

				delete(h.clients, client.ConnID)
				slog.Debug("wshub removed", "connId", client.ConnID, "client", client.Info.ClientID, "active", len(h.clients))
				h.wg.Done()
			}()
		case <-ctx.Done():
			return
		}
	}
}

// Messages returns the stream of inbound messages from all connections.
func (h *WebsocketHub) Messages() <-chan *ClientMessage {
	return h.msgs
}

func (h *WebsocketHub) Shutdown(ctx context.Context) {
	h.mu.RLock()
	clients := make([]*WebsocketClient, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client := client
		go func() {
			// removal from the hub happens via the Closed channel
			client.Close()
			slog.Debug("wshub killed", "connId", client.ConnID)
		}()
	}

	h.wg.Wait()
	slog.Info("wshub shutdown")
}

// WebsocketHandler upgrades the http connection to a websocket and
// registers the client with the hub.
func (h *WebsocketHub) WebsocketHandler(ctx *gin.Context) {
	enc := wsproto.PreferredEncoding(ctx.GetHeader("X-Mirror-WS-Encodings"))
	ctx.Writer.Header().Set("X-Mirror-WS-Encoding", strings.ToLower(enc.String()))

	conn, err := websocket.Accept(ctx.Writer, ctx.Request, nil)
	if err != nil {
		slog.Warn("wshub accept", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	client := NewWebsocketClient(conn, &ClientInfo{
		IPAddr:     ctx.ClientIP(),
		Version:    ctx.GetHeader("X-Mirror-Version"),
		WSEncoding: enc,
	})

	client.MsgTx <- relaymsg.NewSystemMessage(version.Version, "ok")

	h.register <- client
}

// Identify binds a connection to its announced client and group.
func (h *WebsocketHub) Identify(connID, clientID, groupID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client, ok := h.clients[connID]; ok {
		client.Info.ClientID = clientID
		client.Info.GroupID = groupID
		slog.Info("wshub identified", "connId", connID, "client", clientID, "group", groupID)
	}
}

// SendMessage queues a message for one connection. Returns false if the
// connection is gone or its buffer is full; the peer must resync via
// manifest-summary exchange on reconnect.
func (h *WebsocketHub) SendMessage(connID string, msg *relaymsg.Message) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[connID]
	if !ok {
		return false
	}

	select {
	case client.MsgTx <- msg:
		return true
	default:
		slog.Warn("wshub send buffer full", "connId", connID, "msgType", msg.Type)
		return false
	}
}

// BroadcastGroup sends a message to every identified connection in the
// group except the originator. Sends never block the committing path.
func (h *WebsocketHub) BroadcastGroup(groupID string, msg *relaymsg.Message, exceptConnID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		if client.ConnID == exceptConnID || client.Info.GroupID != groupID {
			continue
		}
		select {
		case client.MsgTx <- msg:
		default:
			slog.Warn("wshub send buffer full", "connId", client.ConnID, "client", client.Info.ClientID)
		}
	}
}

// handleClientMessages forwards a client's inbound messages to the hub stream.
func (h *WebsocketHub) handleClientMessages(client *WebsocketClient) {
	for {
		select {
		case <-client.Closed:
			return
		case msg, ok := <-client.MsgRx:
			if !ok {
				return
			}
			h.msgs <- &ClientMessage{
				ConnID:  client.ConnID,
				Info:    client.Info,
				Message: msg,
			}
		}
	}
}
