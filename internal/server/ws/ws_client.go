package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mirrorbox/mirrorbox/internal/relaymsg"
	"github.com/mirrorbox/mirrorbox/internal/utils"
	"github.com/mirrorbox/mirrorbox/internal/wsproto"
)

const (
	channelSize    = 256
	writeTimeout   = 20 * time.Second
	pingPeriod     = 15 * time.Second
	pingTimeout    = 5 * time.Second
	shutdownReason = "shutdown"
)

// WebsocketClient represents a connected WebSocket client.
type WebsocketClient struct {
	ConnID string
	Info   *ClientInfo
	MsgRx  chan *relaymsg.Message
	MsgTx  chan *relaymsg.Message
	Closed chan struct{}

	conn      *websocket.Conn
	wsDone    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewWebsocketClient(conn *websocket.Conn, info *ClientInfo) *WebsocketClient {
	return &WebsocketClient{
		ConnID: utils.TokenHex(4),
		Info:   info,
		MsgRx:  make(chan *relaymsg.Message, channelSize),
		MsgTx:  make(chan *relaymsg.Message, channelSize),
		Closed: make(chan struct{}),
		wsDone: make(chan struct{}),
		conn:   conn,
	}
}

func (c *WebsocketClient) Start(ctx context.Context) {
	slog.Debug("wsclient start", "connId", c.ConnID)
	c.wg.Add(2)
	go c.writeLoop(ctx)
	go c.readLoop(ctx)
}

func (c *WebsocketClient) Close() {
	c.closeConnection(websocket.StatusNormalClosure, shutdownReason)
	c.wg.Wait()
}

func (c *WebsocketClient) closeConnection(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.wsDone)
		c.conn.Close(status, reason)

		// wait for both read and write loops to finish
		c.wg.Wait()

		close(c.Closed)
		close(c.MsgRx)
		close(c.MsgTx)
		slog.Debug("wsclient closed", "connId", c.ConnID)
	})
}

func (c *WebsocketClient) readLoop(ctx context.Context) {
	defer func() {
		slog.Debug("wsclient reader shutdown", "connId", c.ConnID)
		c.wg.Done()
		c.closeConnection(websocket.StatusNormalClosure, shutdownReason)
	}()

	for {
		typ, raw, err := c.conn.Read(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				// connection closed by client
			} else if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusNoStatusRcvd {
				slog.Warn("wsclient reader", "error", err, "connId", c.ConnID)
			}
			return
		}

		msg, _, err := wsproto.Unmarshal(typ, raw)
		if err != nil {
			slog.Warn("wsclient reader decode", "error", err, "connId", c.ConnID)
			continue
		}

		select {
		case <-c.wsDone:
			return

		case c.MsgRx <- msg:
			// pushed to receive queue

		default:
			slog.Warn("wsclient reader buffer full", "connId", c.ConnID, "dropped", msg.Id)
		}
	}
}

func (c *WebsocketClient) writeLoop(ctx context.Context) {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		slog.Debug("wsclient writer shutdown", "connId", c.ConnID)
		pingTicker.Stop()
		c.wg.Done()
		c.closeConnection(websocket.StatusNormalClosure, shutdownReason)
	}()

	for {
		select {
		case msg := <-c.MsgTx:
			ctxWrite, cancel := context.WithTimeout(ctx, writeTimeout)
			typ, payload, err := wsproto.Marshal(msg, c.Info.WSEncoding)
			if err == nil {
				err = c.conn.Write(ctxWrite, typ, payload)
			}
			cancel()
			if err != nil {
				slog.Error("wsclient writer", "connId", c.ConnID, "msgId", msg.Id, "msgType", msg.Type, "error", err)
				return
			}
			slog.Debug("wsclient writer", "connId", c.ConnID, "msgId", msg.Id, "msgType", msg.Type)

		case <-pingTicker.C:
			ctxPing, cancel := context.WithTimeout(ctx, pingTimeout)
			err := c.conn.Ping(ctxPing)
			cancel()
			if err != nil {
				slog.Warn("wsclient ping", "connId", c.ConnID, "error", err)
				return
			}

		case <-c.wsDone:
			return

		case <-ctx.Done():
			return
		}
	}
}
