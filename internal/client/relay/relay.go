// Package relay maintains the client's WebSocket session with the
// distribution server: a single logical connection that transparently
// reconnects with jittered exponential backoff and surfaces inbound
// messages on one channel.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mirrorbox/mirrorbox/internal/relaymsg"
	"github.com/mirrorbox/mirrorbox/internal/version"
	"github.com/mirrorbox/mirrorbox/internal/wsproto"
)

const (
	messagesBufferSize = 64
	reconnectDelay     = 1 * time.Second
	maxReconnectDelay  = 8 * time.Second
	reconnectTimeout   = 10 * time.Second
	maxMessageSize     = 16 * 1024 * 1024
	eventsPath         = "/api/v1/events"
	encodingsHeader    = "X-Mirror-WS-Encodings"
	encodingHeader     = "X-Mirror-WS-Encoding"
	versionHeader      = "X-Mirror-Version"
	preferredEncodings = "msgpack,json"
)

var (
	ErrNotConnected     = errors.New("relay: not connected")
	ErrMessageQueueFull = errors.New("relay: message queue full")
)

// Conn is the reconnecting relay connection. Messages received while
// disconnected are simply absent; the engine treats every (re)connect
// as a fresh session and resyncs from the authoritative summary.
type Conn struct {
	serverURL        string
	ws               *wsConn
	messages         chan *relaymsg.Message
	ctx              context.Context
	cancel           context.CancelFunc
	mu               sync.RWMutex
	connected        bool
	reconnectAttempt int
}

func NewConn(serverURL string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		serverURL: serverURL,
		ctx:       ctx,
		cancel:    cancel,
		messages:  make(chan *relaymsg.Message, messagesBufferSize),
	}
}

// Connect dials the relay and starts the connection lifecycle. Returns
// an error only if the very first dial fails; later drops reconnect
// in the background.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected && c.ws != nil {
		return nil
	}

	ws, err := c.connectLocked(ctx)
	if err != nil {
		return fmt.Errorf("relay: connect: %w", err)
	}

	go c.manageConnection(ws)
	return nil
}

func (c *Conn) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}

// Messages returns the channel of inbound relay messages.
func (c *Conn) Messages() <-chan *relaymsg.Message {
	return c.messages
}

// Send enqueues a message for transmission. Non-blocking; a full queue
// is an error the caller handles like a disconnect.
func (c *Conn) Send(msg *relaymsg.Message) error {
	c.mu.RLock()
	ws := c.ws
	connected := c.connected
	c.mu.RUnlock()

	if !connected || ws == nil {
		return ErrNotConnected
	}

	select {
	case ws.msgTx <- msg:
		slog.Debug("relay tx", "id", msg.Id, "type", msg.Type)
		return nil
	default:
		return ErrMessageQueueFull
	}
}

// Close terminates the connection and stops reconnecting.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancel()

	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}

	c.connected = false
	slog.Info("relay closed")
}

func (c *Conn) connectLocked(ctx context.Context) (*wsConn, error) {
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
		c.connected = false
	}

	wsURL, err := c.fullURL()
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set(encodingsHeader, preferredEncodings)
	headers.Set(versionHeader, version.Version)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(maxMessageSize)

	enc := wsproto.EncodingJSON
	if resp != nil {
		enc = wsproto.PreferredEncoding(resp.Header.Get(encodingHeader))
	}

	ws := newWSConn(conn, enc)
	ws.Start(c.ctx)

	c.ws = ws
	c.connected = true

	slog.Info("relay connected", "url", wsURL, "encoding", enc)
	return ws, nil
}

func (c *Conn) manageConnection(ws *wsConn) {
	go c.consumeMessages(ws)

	select {
	case <-ws.closed:
		slog.Info("relay disconnected, will reconnect")

		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
			c.connected = false
			c.reconnectAttempt = 0
		}
		c.mu.Unlock()

		select {
		case <-c.ctx.Done():
			return
		default:
			c.reconnectWithBackoff()
		}

	case <-c.ctx.Done():
		return
	}
}

func (c *Conn) consumeMessages(ws *wsConn) {
	for {
		select {
		case <-c.ctx.Done():
			return

		case <-ws.closed:
			return

		case msg, ok := <-ws.msgRx:
			if !ok {
				return
			}

			slog.Debug("relay rx", "id", msg.Id, "type", msg.Type)

			select {
			case c.messages <- msg:
			default:
				slog.Warn("relay rx buffer full, dropped", "id", msg.Id, "type", msg.Type)
			}
		}
	}
}

func (c *Conn) reconnectWithBackoff() {
	delay := reconnectDelay

	for {
		c.reconnectAttempt++

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}

		slog.Info("relay reconnecting", "attempt", c.reconnectAttempt, "delay", delay)

		ctx, cancel := context.WithTimeout(c.ctx, reconnectTimeout)

		c.mu.Lock()
		ws, err := c.connectLocked(ctx)
		c.mu.Unlock()

		cancel()

		if err == nil {
			go c.manageConnection(ws)
			return
		}

		delay = min(delay*2, maxReconnectDelay)
		jitterFactor := 0.75 + (rand.Float64() * 0.5)
		delay = time.Duration(float64(delay) * jitterFactor)
	}
}

func (c *Conn) fullURL() (string, error) {
	joined, err := url.JoinPath(c.serverURL, eventsPath)
	if err != nil {
		return "", fmt.Errorf("join events path: %w", err)
	}
	return toWebsocketURL(joined), nil
}

func toWebsocketURL(u string) string {
	if strings.HasPrefix(u, "https://") {
		return "wss://" + u[8:]
	} else if strings.HasPrefix(u, "http://") {
		return "ws://" + u[7:]
	}
	return u
}
