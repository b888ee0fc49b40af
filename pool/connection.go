package pool

import (
	"bufio"
	"net"
	"time"

	"github.com/always-cache/courier/tunnel"
)

type State int

const (
	StateNew State = iota
	StateConnecting
	StateOpen
	StateInUse
	StateIdle
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateInUse:
		return "in-use"
	case StateIdle:
		return "idle"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection is a stream to a destination, checked out by at most one
// message at a time. Its mutable fields are guarded by the registry lock.
type Connection struct {
	id   uint64
	dest *Destination
	reg  *Registry

	state    State
	stream   *tunnel.Stream
	reader   *bufio.Reader
	created  time.Time
	lastUsed time.Time
	requests int
}

func (c *Connection) ID() uint64 { return c.id }

func (c *Connection) Destination() *Destination { return c.dest }

func (c *Connection) State() State {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	return c.state
}

// Conn is the underlying stream. It is nil until the connection is open.
func (c *Connection) Conn() net.Conn {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	return c.stream.Conn
}

// Reader buffers the stream across keep-alive requests. Bytes read ahead of
// one response belong to the next.
func (c *Connection) Reader() *bufio.Reader {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	return c.reader
}

// RemoteAddr returns the origin address, or nil while the connection is
// still being established.
func (c *Connection) RemoteAddr() net.Addr {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	return c.stream.Remote
}

// Reused reports whether the current checkout is not the first request on
// this connection.
func (c *Connection) Reused() bool {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	return c.requests > 1
}

func (c *Connection) Requests() int {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	return c.requests
}

// Interrupt closes the underlying socket so that any goroutine blocked on it
// returns. The connection must still be handed back with Return.
func (c *Connection) Interrupt() {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	if c.stream != nil {
		c.stream.Conn.Close()
	}
}
