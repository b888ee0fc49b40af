// Package pool keeps the connections of an HTTP client, grouped by
// destination, and hands them out to one message at a time.
package pool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/always-cache/courier/tunnel"
)

var (
	// ErrTryAgain is returned by Checkout when a new connection failed
	// while other connections to the same destination exist. The caller
	// should back off and check out again.
	ErrTryAgain = errors.New("connection failed, try again")
	ErrPoolFull = errors.New("connection limit reached")
	ErrClosed   = errors.New("pool closed")
)

const (
	DefaultMaxConns        = 10
	DefaultMaxConnsPerHost = 2
	DefaultIdleTimeout     = 60 * time.Second
	DefaultRetryInterval   = 100 * time.Millisecond
)

// Dialer opens streams. *tunnel.Dialer implements it.
type Dialer interface {
	Dial(ctx context.Context, scheme, host string, port int) (*tunnel.Stream, error)
}

type Config struct {
	Dialer Dialer
	// MaxConns caps the number of connections across all destinations.
	MaxConns int
	// MaxConnsPerHost caps the number of connections to one destination.
	MaxConnsPerHost int
	// IdleTimeout closes connections idle for longer. Negative disables
	// the sweeper.
	IdleTimeout time.Duration
	// RetryInterval paces checkouts after ErrTryAgain.
	RetryInterval time.Duration
	Logger        *zerolog.Logger
}

// Destination is the shared state for one Key.
type Destination struct {
	key     Key
	refs    int
	conns   []*Connection
	targets map[string]int
	limiter *rate.Limiter
}

func (d *Destination) Key() Key { return d.key }

type Stats struct {
	Destinations int
	Connections  int
	Idle         int
	InUse        int
}

// Registry owns all destinations and their connections. A single mutex
// guards every destination and connection; a condition variable on it is
// broadcast whenever a connection is returned, closed or fails.
type Registry struct {
	cfg Config
	log zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	dests  map[Key]*Destination
	total  int
	nextID uint64
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Dialer == nil {
		cfg.Dialer = &tunnel.Dialer{}
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = DefaultMaxConns
	}
	if cfg.MaxConnsPerHost == 0 {
		cfg.MaxConnsPerHost = DefaultMaxConnsPerHost
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	r := &Registry{
		cfg:   cfg,
		log:   logger.With().Str("component", "pool").Logger(),
		dests: make(map[Key]*Destination),
		done:  make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	if cfg.IdleTimeout > 0 {
		r.wg.Add(1)
		go r.sweep()
	}
	return r
}

// Get returns the destination for key, creating it if needed, and takes a
// reference on it.
func (r *Registry) Get(key Key) *Destination {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.dests[key]
	if !ok {
		d = &Destination{
			key:     key,
			targets: make(map[string]int),
			limiter: rate.NewLimiter(rate.Every(r.cfg.RetryInterval), 1),
		}
		r.dests[key] = d
		r.log.Trace().Stringer("destination", key).Msg("Destination created")
	}
	d.refs++
	return d
}

// Release drops a reference taken by Get. A destination without references
// is forgotten once it has no connections and no pending targets. Its idle
// connections stay pooled until the sweeper or the caps close them.
func (r *Registry) Release(d *Destination) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.refs > 0 {
		d.refs--
	}
	r.releaseLocked(d)
}

func (r *Registry) releaseLocked(d *Destination) {
	if d.refs > 0 {
		return
	}
	if len(d.conns) == 0 && len(d.targets) == 0 && r.dests[d.key] == d {
		delete(r.dests, d.key)
		r.log.Trace().Stringer("destination", d.key).Msg("Destination removed")
	}
}

// AddTarget records an in-flight request for path on d.
func (r *Registry) AddTarget(d *Destination, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.targets[path]++
}

// DoneTarget undoes AddTarget.
func (r *Registry) DoneTarget(d *Destination, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := d.targets[path]; n > 1 {
		d.targets[path] = n - 1
	} else {
		delete(d.targets, path)
	}
	r.releaseLocked(d)
}

// Acquire checks out the first idle connection of d, or returns nil.
func (r *Registry) Acquire(d *Destination) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquireLocked(d)
}

func (r *Registry) acquireLocked(d *Destination) *Connection {
	for _, c := range d.conns {
		if c.state == StateIdle {
			c.state = StateInUse
			c.requests++
			c.lastUsed = time.Now()
			return c
		}
	}
	return nil
}

// Open establishes a new connection to d and returns it checked out. It
// fails with ErrPoolFull when the caps leave no room.
func (r *Registry) Open(ctx context.Context, d *Destination) (*Connection, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if !r.hasRoomLocked(d) {
		r.mu.Unlock()
		return nil, ErrPoolFull
	}
	c := r.reserveLocked(d)
	r.mu.Unlock()
	return r.dial(ctx, c)
}

// Checkout returns an idle connection to d, or opens a new one if the caps
// allow, or waits until one of those becomes possible.
func (r *Registry) Checkout(ctx context.Context, d *Destination) (*Connection, error) {
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	r.mu.Lock()
	for {
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			r.mu.Unlock()
			return nil, err
		}
		if c := r.acquireLocked(d); c != nil {
			r.mu.Unlock()
			r.log.Trace().Uint64("conn", c.id).Stringer("destination", d.key).Msg("Reusing idle connection")
			return c, nil
		}
		if r.hasRoomLocked(d) {
			c := r.reserveLocked(d)
			r.mu.Unlock()
			return r.dial(ctx, c)
		}
		r.cond.Wait()
	}
}

// Backoff waits until d may be dialled again after ErrTryAgain.
func (r *Registry) Backoff(ctx context.Context, d *Destination) error {
	return d.limiter.Wait(ctx)
}

func (r *Registry) hasRoomLocked(d *Destination) bool {
	if len(d.conns) >= r.cfg.MaxConnsPerHost {
		return false
	}
	if r.total < r.cfg.MaxConns {
		return true
	}
	// make room by dropping an idle connection to some other destination
	for _, other := range r.dests {
		if other == d {
			continue
		}
		for _, c := range other.conns {
			if c.state == StateIdle {
				r.log.Trace().Uint64("conn", c.id).Stringer("destination", other.key).Msg("Closing idle connection to make room")
				r.closeLocked(c)
				r.releaseLocked(other)
				return r.total < r.cfg.MaxConns
			}
		}
	}
	return false
}

func (r *Registry) reserveLocked(d *Destination) *Connection {
	r.nextID++
	c := &Connection{
		id:      r.nextID,
		dest:    d,
		reg:     r,
		state:   StateConnecting,
		created: time.Now(),
	}
	d.conns = append(d.conns, c)
	r.total++
	return c
}

func (r *Registry) dial(ctx context.Context, c *Connection) (*Connection, error) {
	d := c.dest
	logger := r.log.With().Uint64("conn", c.id).Stringer("destination", d.key).Logger()
	logger.Debug().Msg("Opening connection")

	stream, err := r.cfg.Dialer.Dial(ctx, d.key.Scheme, d.key.Host, d.key.Port)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		c.state = StateFailed
		r.removeLocked(c)
		r.cond.Broadcast()
		logger.Debug().Err(err).Msg("Connection failed")
		dnsFailure := errors.Is(err, tunnel.ErrResolve) || errors.Is(err, tunnel.ErrResolveProxy)
		if !dnsFailure && ctx.Err() == nil && len(d.conns) > 0 {
			return nil, fmt.Errorf("%w: %w", ErrTryAgain, err)
		}
		return nil, err
	}
	if r.closed || c.state == StateClosed {
		stream.Conn.Close()
		if c.state != StateClosed {
			c.state = StateClosed
			r.removeLocked(c)
		}
		return nil, ErrClosed
	}
	c.stream = stream
	c.reader = bufio.NewReader(stream.Conn)
	c.state = StateInUse
	c.requests = 1
	c.lastUsed = time.Now()
	logger.Debug().Stringer("remote", stream.Remote).Msg("Connection open")
	return c, nil
}

// Return hands a checked out connection back. Reusable connections become
// idle, others are closed.
func (r *Registry) Return(c *Connection, reuse bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.state != StateInUse {
		return
	}
	if reuse && !r.closed {
		c.state = StateIdle
		c.lastUsed = time.Now()
		r.cond.Broadcast()
	} else {
		r.closeLocked(c)
	}
	r.releaseLocked(c.dest)
}

func (r *Registry) closeLocked(c *Connection) {
	if c.state == StateClosed {
		return
	}
	if c.stream != nil {
		c.stream.Conn.Close()
	}
	c.state = StateClosed
	r.removeLocked(c)
	r.cond.Broadcast()
}

func (r *Registry) removeLocked(c *Connection) {
	conns := c.dest.conns
	for i, other := range conns {
		if other == c {
			c.dest.conns = append(conns[:i], conns[i+1:]...)
			r.total--
			return
		}
	}
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Destinations: len(r.dests), Connections: r.total}
	for _, d := range r.dests {
		for _, c := range d.conns {
			switch c.state {
			case StateIdle:
				s.Idle++
			case StateInUse:
				s.InUse++
			}
		}
	}
	return s
}

func (r *Registry) sweep() {
	defer r.wg.Done()
	interval := r.cfg.IdleTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			r.pruneIdle(now)
		}
	}
}

func (r *Registry) pruneIdle(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.dests {
		for _, c := range append([]*Connection(nil), d.conns...) {
			if c.state == StateIdle && now.Sub(c.lastUsed) > r.cfg.IdleTimeout {
				r.log.Trace().Uint64("conn", c.id).Stringer("destination", d.key).Msg("Closing idle connection")
				r.closeLocked(c)
			}
		}
		r.releaseLocked(d)
	}
}

// Close closes every connection, including checked out ones, and stops the
// idle sweeper. Blocked Checkout calls return ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, d := range r.dests {
		for _, c := range append([]*Connection(nil), d.conns...) {
			r.closeLocked(c)
		}
	}
	r.dests = make(map[Key]*Destination)
	r.cond.Broadcast()
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()
}
