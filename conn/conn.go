// Package conn manages the duplex websocket to the recognition service.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"node.town/rtasr/fault"
	"node.town/rtasr/wire"
)

const (
	DefaultTimeout      = 15 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	pongWait            = 60 * time.Second
	maxMessageSize      = 1 << 20
)

var ErrClosed = errors.New("connection closed")

// Listener observes inbound traffic. Calls happen on the read goroutine in
// arrival order and must not block for long.
type Listener interface {
	OnMessage(data []byte)
	OnClose(code int, reason string)
	OnError(err error)
}

type Options struct {
	// Timeout bounds the whole handshake.
	Timeout time.Duration
	// PingInterval enables keep-alive pings when positive.
	PingInterval time.Duration
	WriteTimeout time.Duration
	Logger       *log.Logger
}

type Conn struct {
	ws           *websocket.Conn
	logger       *log.Logger
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
	closed    bool
	err       error

	readOnce sync.Once
	done     chan struct{}
	readDone chan struct{}
}

// Dial opens the socket. It fails if the handshake has not completed within
// opts.Timeout; a rejected handshake with 401 or 403 is an auth failure.
func Dial(ctx context.Context, endpoint string, header http.Header, opts Options) (*Conn, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.With("component", "conn")

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	ws, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, fault.Auth("dial", err)
			}
		}
		return nil, fault.Connect("dial", err)
	}

	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}

	c := &Conn{
		ws:           ws,
		logger:       logger,
		writeTimeout: writeTimeout,
		listeners:    make(map[int]Listener),
		done:         make(chan struct{}),
		readDone:     make(chan struct{}),
	}
	logger.Debug("connected", "host", ws.RemoteAddr())

	if opts.PingInterval > 0 {
		go c.keepAlive(opts.PingInterval)
	}
	return c, nil
}

// Subscribe registers l for inbound traffic. Reading starts with the first
// subscription so no message is dropped before anyone listens.
func (c *Conn) Subscribe(l Listener) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()

	c.readOnce.Do(func() { go c.readLoop() })

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Conn) snapshot() []Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Listener, len(ids))
	for i, id := range ids {
		out[i] = c.listeners[id]
	}
	return out
}

func (c *Conn) readLoop() {
	defer close(c.readDone)

	c.ws.SetReadLimit(maxMessageSize)

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readFailed(err)
			return
		}
		if typ == websocket.BinaryMessage {
			c.logger.Debug("ignoring binary message", "bytes", len(data))
			continue
		}
		for _, l := range c.snapshot() {
			l.OnMessage(data)
		}
	}
}

func (c *Conn) readFailed(err error) {
	// Mark closed and record the cause together so a concurrent Send sees
	// both.
	c.mu.Lock()
	local := c.closed
	c.closed = true
	if !local && c.err == nil {
		c.err = fault.Connect("read", err)
	}
	cause := c.err
	c.mu.Unlock()

	if local {
		return
	}
	defer c.ws.Close()

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		c.logger.Debug("closed by server", "code", ce.Code, "reason", ce.Text)
		for _, l := range c.snapshot() {
			l.OnClose(ce.Code, ce.Text)
		}
		return
	}

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure) {
		c.logger.Error("read failed", "error", err)
	}
	for _, l := range c.snapshot() {
		l.OnError(cause)
	}
}

func (c *Conn) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.readDone:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(pongWait))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Warn("failed to send ping", "error", err)
				return
			}
		}
	}
}

// Send writes one message. Writes are serialized.
func (c *Conn) Send(msg wire.Message) error {
	typ := websocket.TextMessage
	if msg.Binary {
		typ = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Close marks the conn before it takes writeMu, so checking here keeps
	// every data frame ahead of the close frame.
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fault.Send("send", ErrClosed)
	}

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return c.sendFailed(err)
	}
	if err := c.ws.WriteMessage(typ, msg.Data); err != nil {
		return c.sendFailed(err)
	}
	return nil
}

func (c *Conn) sendFailed(err error) error {
	err = fault.Send("send", err)
	c.setErr(err)
	return err
}

// Close sends a close frame and releases the socket. Calling it again is a
// no-op, as is closing a nil Conn.
func (c *Conn) Close(code int, reason string) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Debug("close on closed connection", "code", code)
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug("failed to send close message", "error", err)
	}

	if err := c.ws.Close(); err != nil {
		return fmt.Errorf("failed to close websocket: %w", err)
	}
	return nil
}

// Connected reports whether the socket is open and has not failed.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.err == nil
}

// Err returns the first transport error, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}
