package relay

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
	"github.com/mirrorbox/mirrorbox/internal/wsproto"
)

const (
	wsChannelSize  = 256
	wsPingPeriod   = 15 * time.Second
	wsPingTimeout  = 5 * time.Second
	wsWriteTimeout = 20 * time.Second
)

// wsConn wraps one live WebSocket connection with buffered rx/tx pumps.
// It dies on the first read or write error; reconnection is the
// Conn manager's job.
type wsConn struct {
	conn      *websocket.Conn
	msgRx     chan *relaymsg.Message
	msgTx     chan *relaymsg.Message
	closed    chan struct{}
	closing   chan struct{}
	encoding  wsproto.Encoding
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newWSConn(conn *websocket.Conn, enc wsproto.Encoding) *wsConn {
	return &wsConn{
		conn:     conn,
		msgRx:    make(chan *relaymsg.Message, wsChannelSize),
		msgTx:    make(chan *relaymsg.Message, wsChannelSize),
		closed:   make(chan struct{}),
		closing:  make(chan struct{}),
		encoding: enc,
	}
}

func (c *wsConn) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.writeLoop(ctx)
	go c.readLoop(ctx)
}

func (c *wsConn) Close() {
	c.closeConnection(websocket.StatusNormalClosure, "shutdown")
	c.wg.Wait()
}

func (c *wsConn) closeConnection(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.conn.Close(status, reason)

		c.wg.Wait()

		close(c.closed)
		close(c.msgRx)
		close(c.msgTx)
	})
}

func (c *wsConn) readLoop(ctx context.Context) {
	defer func() {
		slog.Debug("socket reader shutdown")
		c.wg.Done()
		c.closeConnection(websocket.StatusNormalClosure, "shutdown")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		typ, raw, err := c.conn.Read(ctx)
		if err != nil {
			if !isWSExpectedCloseError(err) {
				slog.Warn("socket recv", "error", err)
			}
			return
		}

		msg, _, uerr := wsproto.Unmarshal(typ, raw)
		if uerr != nil {
			slog.Warn("socket recv decode", "error", uerr)
			continue
		}

		select {
		case <-c.closing:
			return

		case c.msgRx <- msg:

		default:
			slog.Warn("socket recv buffer full", "dropped", msg.Id, "type", msg.Type)
		}
	}
}

func (c *wsConn) writeLoop(ctx context.Context) {
	pingTicker := time.NewTicker(wsPingPeriod)
	defer func() {
		slog.Debug("socket writer shutdown")
		pingTicker.Stop()
		c.wg.Done()
		c.closeConnection(websocket.StatusNormalClosure, "shutdown")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-c.closing:
			return

		case msg, ok := <-c.msgTx:
			if !ok {
				return
			}

			slog.Debug("socket send", "id", msg.Id, "type", msg.Type)

			ctxWrite, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			typ, payload, err := wsproto.Marshal(msg, c.encoding)
			if err == nil {
				err = c.conn.Write(ctxWrite, typ, payload)
			}
			cancel()

			if err != nil {
				slog.Error("socket send", "error", err)
				return
			}

		case <-pingTicker.C:
			ctxPing, cancel := context.WithTimeout(ctx, wsPingTimeout)
			err := c.conn.Ping(ctxPing)
			cancel()

			if err != nil {
				slog.Error("socket ping", "error", err)
				return
			}
		}
	}
}

// isWSExpectedCloseError returns true if the error is an expected
// connection closure rather than a fault worth logging.
func isWSExpectedCloseError(err error) bool {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return true
	}

	return errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed)
}
