// Package pubsub maintains one live transport connection, reconnects with
// backoff when it drops, and fans inbound envelopes out to listeners.
package pubsub

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"flight_tracker/internal/envelope"
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("pubsub: client closed")

// Conn is one live transport connection.
type Conn interface {
	// Receive blocks until the next frame arrives or the connection fails.
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens transport connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Listener receives every parsed inbound envelope.
type Listener func(envelope.Envelope)

// State is the connection state machine position.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed // closed and waiting to retry, or shut down
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// scheduleFunc runs fn after d and returns a function that cancels it.
type scheduleFunc func(d time.Duration, fn func()) (stop func() bool)

func afterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// Client owns a single transport connection and the listener set.
type Client struct {
	dialer   Dialer
	backoff  Backoff
	schedule scheduleFunc

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	delivering atomic.Int32

	mu        sync.Mutex
	state     State
	conn      Conn
	attempt   int
	stopRetry func() bool
	shutdown  bool

	lmu       sync.RWMutex
	listeners []listenerEntry
	nextID    uint64
}

// Option configures a Client.
type Option func(*Client)

// WithBackoff overrides the reconnect delays.
func WithBackoff(b Backoff) Option {
	return func(c *Client) { c.backoff = b.normalised() }
}

// NewClient creates a client for the given transport. It does not connect.
func NewClient(d Dialer, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		dialer:   d,
		backoff:  DefaultBackoff(),
		schedule: afterFunc,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens a connection unless one is already connecting or open.
// A pending reconnect is pre-empted.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return ErrClosed
	}
	if c.state == StateConnecting || c.state == StateOpen {
		return nil
	}
	if c.stopRetry != nil {
		c.stopRetry()
		c.stopRetry = nil
	}

	c.state = StateConnecting
	c.wg.Add(1)
	go c.dial()
	return nil
}

func (c *Client) dial() {
	defer c.wg.Done()

	conn, err := c.dialer.Dial(c.ctx)
	if err != nil {
		c.handleClose(nil, err)
		return
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = StateOpen
	c.attempt = 0
	c.mu.Unlock()

	log.Printf("pubsub: connected")
	c.readLoop(conn)
}

func (c *Client) readLoop(conn Conn) {
	for {
		data, err := conn.Receive()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		c.deliver(data)
	}
}

// handleClose force-closes conn and schedules the next attempt.
func (c *Client) handleClose(conn Conn, cause error) {
	if conn != nil {
		_ = conn.Close()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == conn {
		c.conn = nil
	}
	c.state = StateClosed
	if c.shutdown {
		return
	}

	delay := c.backoff.Delay(c.attempt)
	c.attempt++
	log.Printf("pubsub: connection lost (%v), reconnecting in %s", cause, delay)
	c.stopRetry = c.schedule(delay, func() { _ = c.Connect() })
}

// Subscribe registers fn for inbound envelopes. The returned function removes
// exactly this registration and may be called any number of times.
func (c *Client) Subscribe(fn Listener) (unsubscribe func()) {
	c.lmu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, listenerEntry{id: id, fn: fn})
	c.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.remove(id) })
	}
}

func (c *Client) remove(id uint64) {
	c.lmu.Lock()
	defer c.lmu.Unlock()

	for i, l := range c.listeners {
		if l.id == id {
			// Copy rather than shift in place; deliver may hold the old slice.
			next := make([]listenerEntry, 0, len(c.listeners)-1)
			next = append(next, c.listeners[:i]...)
			c.listeners = append(next, c.listeners[i+1:]...)
			return
		}
	}
}

func (c *Client) registered(id uint64) bool {
	c.lmu.RLock()
	defer c.lmu.RUnlock()
	for _, l := range c.listeners {
		if l.id == id {
			return true
		}
	}
	return false
}

// ListenerCount returns the number of registered listeners.
func (c *Client) ListenerCount() int {
	c.lmu.RLock()
	defer c.lmu.RUnlock()
	return len(c.listeners)
}

// deliver parses one frame and hands it to every registered listener.
func (c *Client) deliver(data []byte) {
	env, err := envelope.Parse(data)
	if err != nil {
		log.Printf("pubsub: dropping frame: %v", err)
		return
	}

	c.delivering.Add(1)
	defer c.delivering.Add(-1)

	c.lmu.RLock()
	snapshot := c.listeners
	c.lmu.RUnlock()

	for _, l := range snapshot {
		if c.isShutdown() {
			return
		}
		// Skip listeners removed by an earlier callback in this delivery.
		if !c.registered(l.id) {
			continue
		}
		c.dispatch(l, env)
	}
}

func (c *Client) isShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

func (c *Client) dispatch(l listenerEntry, env envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("pubsub: listener %d failed on %q: %v", l.id, env.Type, r)
		}
	}()
	l.fn(env)
}

// Close stops reconnecting, closes the connection and waits for the read loop.
// While a delivery is in progress, as when a listener calls Close, it returns
// without waiting; no further listener is called for that frame.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	if c.stopRetry != nil {
		c.stopRetry()
		c.stopRetry = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()

	c.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if c.delivering.Load() == 0 {
		c.wg.Wait()
	}
	return err
}
