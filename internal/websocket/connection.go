package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tickstream/pkg/interfaces"
)

// Config holds the socket tunables.
type Config struct {
	PingInterval     time.Duration
	ReadTimeout      time.Duration // pong wait; reset by every pong or frame
	WriteTimeout     time.Duration
	SendBufferSize   int
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the socket defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		SendBufferSize:   100,
		HandshakeTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	return c
}

// Connection wraps one client socket bound to an engine connection ID.
// ARCHITECTURAL DISCOVERY: gorilla allows one concurrent writer, so every
// data frame goes through writeLoop. Control frames (ping, close) may be
// written from any goroutine.
type Connection struct {
	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration
	id           string
	ownerID      string
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

var _ interfaces.Connection = (*Connection)(nil)

// NewConnection wraps conn and starts its writer goroutine.
func NewConnection(conn *websocket.Conn, id, ownerID string, cfg Config) *Connection {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		writeCh:      make(chan []byte, cfg.SendBufferSize),
		writeTimeout: cfg.WriteTimeout,
		id:           id,
		ownerID:      ownerID,
		ctx:          ctx,
		cancel:       cancel,
	}
	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// FUNCTIONAL DISCOVERY: A failed write means the peer is gone.
				// Closing here fails every later WriteJSON, which the engine
				// sees as a transport failure.
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON marshals v and queues it for the writer goroutine. It waits at
// most the write timeout for buffer space.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()
	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close stops the writer and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = c.conn.Close()
		}
	})
	return err
}

// ID returns the engine connection ID.
func (c *Connection) ID() string { return c.id }

// OwnerID returns the owner the client presented, if any.
func (c *Connection) OwnerID() string { return c.ownerID }

// IsClosed reports whether Close has run.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }
