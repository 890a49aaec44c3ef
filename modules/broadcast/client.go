package broadcast

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	domain "github.com/example/chat-hub/domain/chat"
	"github.com/gofiber/contrib/websocket"
)

// Conn is the subset of *websocket.Conn a Client writes through.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ErrOutboxFull is returned by Deliver when the session is not draining its queue.
var ErrOutboxFull = fmt.Errorf("%w: outbox full", domain.ErrDeliveryFailure)

// ClientOptions bounds a Client's outbox and writes.
type ClientOptions struct {
	QueueSize    int
	SendTimeout  time.Duration
	PingInterval time.Duration
}

// DefaultClientOptions returns the options used when none are configured.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		QueueSize:    256,
		SendTimeout:  10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Client is a websocket-backed Session. Payloads are written in the order
// they were delivered by a single writer goroutine started with Run.
type Client struct {
	id     string
	userID string
	conn   Conn
	opts   ClientOptions
	log    *slog.Logger

	mu   sync.Mutex
	room string

	outbox    chan []byte
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ Session = (*Client)(nil)

// NewClient wraps conn for the given user.
func NewClient(id, userID string, conn Conn, opts ClientOptions, log *slog.Logger) *Client {
	def := DefaultClientOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = def.SendTimeout
	}
	return &Client{
		id:      id,
		userID:  userID,
		conn:    conn,
		opts:    opts,
		log:     log.With("session", id, "user", userID),
		outbox:  make(chan []byte, opts.QueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// ID returns the session id assigned at upgrade time.
func (c *Client) ID() string { return c.id }

// UserID returns the authenticated user behind the session.
func (c *Client) UserID() string { return c.userID }

// Room returns the room the session is attached to, or "".
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// SetRoom attaches the session to roomID and returns the previous room.
func (c *Client) SetRoom(roomID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.room
	c.room = roomID
	return prev
}

// Deliver queues payload without blocking.
func (c *Client) Deliver(payload []byte) error {
	select {
	case <-c.done:
		return domain.ErrSessionClosed
	default:
	}

	select {
	case c.outbox <- payload:
		return nil
	case <-c.done:
		return domain.ErrSessionClosed
	default:
		return ErrOutboxFull
	}
}

// Close stops the writer and closes the connection. Only the first reason is kept.
func (c *Client) Close(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = reason
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
		if reason != nil {
			c.log.Debug("Session closed", "reason", reason)
		}
	})
}

// Err returns the reason the client was closed, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Wait blocks until the writer started by Run has returned.
func (c *Client) Wait() {
	<-c.stopped
}

// Run drains the outbox onto the connection until the client is closed or a
// write fails. A write that misses the send timeout closes the client.
func (c *Client) Run() {
	defer close(c.stopped)

	var ping <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.outbox:
			if err := c.write(payload); err != nil {
				c.Close(fmt.Errorf("%w: %v", domain.ErrDeliveryFailure, err))
				return
			}
		case <-ping:
			deadline := time.Now().Add(c.opts.SendTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.Close(fmt.Errorf("%w: ping: %v", domain.ErrDeliveryFailure, err))
				return
			}
		}
	}
}

func (c *Client) write(payload []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.SendTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}
