package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"nicedrop/protocol"
)

const (
	// DefaultSendQueueSize bounds queued outbound messages per connection.
	DefaultSendQueueSize = 32
	// DefaultWriteTimeout bounds one websocket write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPingInterval sends websocket pings on every connection.
	DefaultPingInterval = 30 * time.Second
	// DefaultPongTimeout waits this long past a ping for any inbound traffic.
	DefaultPongTimeout = 15 * time.Second
	// DefaultMaxMessageSize caps one inbound message. A 64KB chunk is ~88KB once encoded.
	DefaultMaxMessageSize = 1 << 20
)

var (
	// ErrConnectionClosed indicates the connection is no longer usable.
	ErrConnectionClosed = errors.New("network: connection closed")
)

// ConnectionOptions controls runtime behavior of Conn.
type ConnectionOptions struct {
	SendQueueSize  int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = DefaultSendQueueSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = DefaultPongTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	return o
}

// Conn is a websocket carrying JSON protocol messages. All writes go through
// a bounded queue drained by one writer goroutine, so Send blocks when the
// peer is not keeping up.
type Conn struct {
	ws *websocket.Conn

	options ConnectionOptions

	send    chan []byte
	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newConn(ws *websocket.Conn, options ConnectionOptions) *Conn {
	opts := options.withDefaults()

	c := &Conn{
		ws:      ws,
		options: opts,
		send:    make(chan []byte, opts.SendQueueSize),
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}

	ws.SetReadLimit(opts.MaxMessageSize)
	c.extendReadDeadline()
	ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	go c.readLoop()
	go c.writeLoop()
	return c
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Done is closed once the underlying websocket is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// LastError returns the terminal connection error, if any.
func (c *Conn) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// SendMessage marshals a protocol message and queues it.
func (c *Conn) SendMessage(ctx context.Context, message any) error {
	payload, err := protocol.EncodeJSON(message)
	if err != nil {
		return err
	}
	return c.Send(ctx, payload)
}

// Send queues a pre-marshaled payload, waiting while the queue is full.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.closed:
		return c.terminalError()
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.closed:
		return c.terminalError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive waits for the next inbound message.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-c.inbound:
		return payload, nil
	case <-c.closed:
		// messages read before the close still get delivered
		select {
		case payload := <-c.inbound:
			return payload, nil
		default:
		}
		return nil, c.terminalError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close flushes queued messages and closes the websocket.
func (c *Conn) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Conn) terminalError() error {
	if err := c.LastError(); err != nil {
		return err
	}
	return ErrConnectionClosed
}

func (c *Conn) readLoop() {
	for {
		msgType, payload, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.closeWithError(nil)
				return
			}
			c.closeWithError(fmt.Errorf("read message: %w", err))
			return
		}

		c.extendReadDeadline()
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if len(payload) == 0 {
			continue
		}

		select {
		case c.inbound <- payload:
			continue
		default:
		}
		select {
		case c.inbound <- payload:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.options.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.done)
	}()

	for {
		select {
		case payload := <-c.send:
			if err := c.write(payload); err != nil {
				c.closeWithError(fmt.Errorf("write message: %w", err))
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.options.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.closeWithError(fmt.Errorf("write ping: %w", err))
				return
			}
		case <-c.closed:
			c.flush()
			deadline := time.Now().Add(c.options.WriteTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

// flush writes whatever is still queued when a clean close was requested.
func (c *Conn) flush() {
	if c.LastError() != nil {
		return
	}
	for {
		select {
		case payload := <-c.send:
			if err := c.write(payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *Conn) extendReadDeadline() {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.options.PingInterval + c.options.PongTimeout))
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()
		close(c.closed)
	})
}
