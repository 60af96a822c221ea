// Package endpoint maintains the upstream websocket connections: one
// Connection per configured endpoint URL, all serving the same aggregated
// tool surface, plus a Manager that owns the set.
package endpoint

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"xzbridge/internal/config"
	"xzbridge/internal/downstream"
	"xzbridge/pkg/logging"
)

// Status is the connection state of one upstream endpoint.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

// defaultQueueSize bounds the per-connection outgoing queue.
const defaultQueueSize = 64

// listChangedNotification is pushed when the aggregated tool surface
// changes.
const listChangedNotification = `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`

// MessageHandler answers one inbound message. A nil response means the
// message needed no reply.
type MessageHandler interface {
	HandleMessage(ctx context.Context, raw []byte) []byte
}

// ConnOptions carries the optional collaborators of a Connection.
type ConnOptions struct {
	// Reconnect policy; zero value selects DefaultEndpointReconnectPolicy.
	Reconnect config.ReconnectPolicy

	// QueueSize bounds the outgoing queue; zero selects the default.
	QueueSize int

	// OnStatusChanged, when set, is invoked after every status transition.
	OnStatusChanged func(url string, status Status)
}

// Connection is one upstream websocket with lifecycle management. Outbound
// messages go through a bounded queue; when the peer cannot keep up the
// oldest queued message is dropped rather than blocking the caller.
type Connection struct {
	url  string
	opts ConnOptions

	handlerMu sync.RWMutex
	handler   MessageHandler

	mu             sync.Mutex
	conn           *websocket.Conn
	sessionID      string
	status         Status
	attempts       int
	manualClose    bool
	reconnectTimer *time.Timer
	cancel         context.CancelFunc

	sendQ chan []byte
}

// NewConnection creates a connection in the disconnected state.
func NewConnection(url string, handler MessageHandler, opts ConnOptions) *Connection {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Reconnect.InitialInterval == 0 {
		opts.Reconnect = config.DefaultEndpointReconnectPolicy
	}
	return &Connection{
		url:     url,
		handler: handler,
		opts:    opts,
		status:  StatusDisconnected,
		sendQ:   make(chan []byte, opts.QueueSize),
	}
}

// URL returns the endpoint URL.
func (c *Connection) URL() string { return c.url }

// Status returns the current connection status.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetHandler swaps the message handler. In-flight messages finish on the old
// handler; subsequent messages use the new one.
func (c *Connection) SetHandler(handler MessageHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handler = handler
}

func (c *Connection) currentHandler() MessageHandler {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	return c.handler
}

// Connect dials the endpoint and starts the read and write loops. It clears
// a previous manual close.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	c.manualClose = false
	c.attempts = 0
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Connection) dial(ctx context.Context) error {
	c.setStatus(StatusConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(c.opts.Reconnect.Timeout)*time.Millisecond)
	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		logging.Warn("Endpoint", "dial %s failed: %v", c.url, err)
		c.scheduleReconnect()
		return err
	}
	// Tool catalogs and results can exceed the 32 KiB default.
	conn.SetReadLimit(4 << 20)

	connCtx, connCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.manualClose {
		c.mu.Unlock()
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "closed")
		return nil
	}
	c.conn = conn
	c.cancel = connCancel
	c.sessionID = uuid.NewString()
	sessionID := c.sessionID
	c.status = StatusConnected
	c.attempts = 0
	c.mu.Unlock()

	c.notifyStatus(StatusConnected)
	logging.Info("Endpoint", "connected to %s (session %s)", c.url, sessionID)

	go c.readLoop(connCtx, conn)
	go c.writeLoop(connCtx, conn)
	return nil
}

// Disconnect closes the connection and vetoes reconnection until the next
// Connect.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.manualClose = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.status = StatusDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "closed")
	}
	c.notifyStatus(StatusDisconnected)
	logging.Info("Endpoint", "disconnected from %s", c.url)
}

// Reconnect forces a fresh dial cycle.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.Disconnect()
	return c.Connect(ctx)
}

// Send enqueues an outbound message. When the queue is full the oldest
// queued message is dropped to make room.
func (c *Connection) Send(data []byte) {
	for {
		select {
		case c.sendQ <- data:
			return
		default:
		}
		select {
		case <-c.sendQ:
			logging.Warn("Endpoint", "outgoing queue full for %s, dropped oldest message", c.url)
		default:
		}
	}
}

// NotifyToolsChanged pushes a tools/list_changed notification.
func (c *Connection) NotifyToolsChanged() {
	if c.Status() != StatusConnected {
		return
	}
	c.Send([]byte(listChangedNotification))
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logging.Warn("Endpoint", "read from %s failed: %v", c.url, err)
				c.handleConnectionLost(conn)
			}
			return
		}

		handler := c.currentHandler()
		if handler == nil {
			continue
		}
		if resp := handler.HandleMessage(ctx, data); resp != nil {
			c.Send(resp)
		}
	}
}

func (c *Connection) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.sendQ:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					logging.Warn("Endpoint", "write to %s failed: %v", c.url, err)
					c.handleConnectionLost(conn)
				}
				return
			}
		}
	}
}

// handleConnectionLost tears down a broken socket and schedules a reconnect
// unless the close was manual. Both loops can race here; only the one that
// still sees the current conn proceeds.
func (c *Connection) handleConnectionLost(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.conn = nil
	manual := c.manualClose
	c.mu.Unlock()

	conn.Close(websocket.StatusInternalError, "connection lost")
	if manual {
		return
	}
	c.scheduleReconnect()
}

func (c *Connection) scheduleReconnect() {
	c.mu.Lock()
	if c.manualClose || !c.opts.Reconnect.Enabled {
		c.status = StatusFailed
		c.mu.Unlock()
		c.notifyStatus(StatusFailed)
		return
	}

	c.attempts++
	if c.attempts > c.opts.Reconnect.MaxAttempts {
		logging.Error("Endpoint", nil, "endpoint %s exhausted %d reconnect attempts", c.url, c.opts.Reconnect.MaxAttempts)
		c.status = StatusFailed
		c.mu.Unlock()
		c.notifyStatus(StatusFailed)
		return
	}

	interval := downstream.NextInterval(c.opts.Reconnect, c.attempts)
	c.status = StatusReconnecting
	logging.Info("Endpoint", "reconnecting to %s in %s (attempt %d/%d)",
		c.url, interval, c.attempts, c.opts.Reconnect.MaxAttempts)

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(interval, func() {
		c.mu.Lock()
		vetoed := c.manualClose
		c.mu.Unlock()
		if vetoed {
			return
		}
		c.dial(context.Background())
	})
	c.mu.Unlock()

	c.notifyStatus(StatusReconnecting)
}

func (c *Connection) setStatus(status Status) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
	c.notifyStatus(status)
}

func (c *Connection) notifyStatus(status Status) {
	if c.opts.OnStatusChanged != nil {
		c.opts.OnStatusChanged(c.url, status)
	}
}
