// Package signaling implements the Signaling Client: a reliable, ordered,
// typed duplex channel to the rendezvous server over an unreliable
// websocket transport, with reconnect, heartbeat, and bounded outbound
// buffering while disconnected.
package signaling

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"meshvoice/client/internal/protocol"
)

// State is the Signaling Client's connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	backoffInitial = 500 * time.Millisecond
	backoffCap     = 10 * time.Second
	pingInterval   = 2 * time.Second
	deadAfter      = 6 * time.Second
	outboundBuf    = 64
)

// Client dials the rendezvous server's websocket endpoint and exchanges
// protocol.Envelope frames, reconnecting with backoff whenever the link is
// lost or goes quiet.
type Client struct {
	addr string

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	state   State

	outbound chan protocol.Envelope
	cancel   context.CancelFunc
	done     chan struct{}

	onEnvelope    func(protocol.Envelope)
	onStateChange func(State)
}

// New returns a Signaling Client targeting addr (a ws:// or wss:// URL
// ending in /ws). Call Connect to begin dialing.
func New(addr string) *Client {
	return &Client{
		addr:     addr,
		outbound: make(chan protocol.Envelope, outboundBuf),
	}
}

// SetOnEnvelope registers the callback invoked for every inbound envelope.
func (c *Client) SetOnEnvelope(fn func(protocol.Envelope)) {
	c.mu.Lock()
	c.onEnvelope = fn
	c.mu.Unlock()
}

// SetOnStateChange registers the callback invoked whenever the connection
// state changes.
func (c *Client) SetOnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onStateChange = fn
	c.mu.Unlock()
}

// Connect starts the dial-reconnect loop in the background. It returns
// immediately; connection establishment and loss are reported via
// SetOnStateChange.
func (c *Client) Connect(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx)
}

// Disconnect is idempotent and completes within bounded time; any in-flight
// send may be lost.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	done := c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
	c.setState(Disconnected)
}

// Send enqueues an envelope for transmission. While disconnected, envelopes
// accumulate up to outboundBuf; the oldest is discarded on overflow.
func (c *Client) Send(env protocol.Envelope) {
	select {
	case c.outbound <- env:
		return
	default:
	}
	// Buffer full: drop the oldest, then enqueue.
	select {
	case <-c.outbound:
	default:
	}
	select {
	case c.outbound <- env:
	default:
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	fn := c.onStateChange
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	backoff := backoffInitial
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.setState(Connecting)
		conn, _, err := websocket.DefaultDialer.Dial(c.addr, nil)
		if err != nil {
			log.Printf("[signaling] dial %s: %v", c.addr, err)
			if !sleepCtx(ctx, jitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = backoffInitial

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(Connected)

		c.serveConn(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		default:
		}
		c.setState(Disconnected)
	}
}

// serveConn drives one connection's read/write/heartbeat loops until the
// link dies or ctx is cancelled.
func (c *Client) serveConn(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lastRecv := make(chan struct{}, 1)
	markAlive := func() {
		select {
		case lastRecv <- struct{}{}:
		default:
		}
	}
	markAlive()

	readErr := make(chan error, 1)
	go func() {
		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				readErr <- err
				return
			}
			markAlive()
			c.mu.Lock()
			fn := c.onEnvelope
			c.mu.Unlock()
			if fn != nil {
				fn(env)
			}
		}
	}()

	heartbeat := time.NewTicker(pingInterval)
	defer heartbeat.Stop()
	deadTimer := time.NewTimer(deadAfter)
	defer deadTimer.Stop()

	for {
		select {
		case <-connCtx.Done():
			return
		case err := <-readErr:
			log.Printf("[signaling] read: %v", err)
			return
		case <-heartbeat.C:
			c.writeEnvelope(conn, protocol.Envelope{Type: protocol.TypePing})
		case <-deadTimer.C:
			log.Printf("[signaling] no inbound traffic for %s, declaring link dead", deadAfter)
			return
		case env := <-c.outbound:
			c.writeEnvelope(conn, env)
		case <-lastRecv:
			if !deadTimer.Stop() {
				select {
				case <-deadTimer.C:
				default:
				}
			}
			deadTimer.Reset(deadAfter)
		}
	}
}

func (c *Client) writeEnvelope(conn *websocket.Conn, env protocol.Envelope) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(env); err != nil {
		log.Printf("[signaling] write: %v", err)
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > backoffCap {
		next = backoffCap
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	// +/- 20% jitter.
	delta := time.Duration(rand.Int63n(int64(d) / 5))
	if rand.Intn(2) == 0 {
		return d + delta
	}
	return d - delta
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// MarshalForLog renders an envelope compactly for diagnostic logging
// without leaking full SDP/candidate payloads.
func MarshalForLog(env protocol.Envelope) string {
	cp := env
	if len(cp.Payload.SDP) > 32 {
		cp.Payload.SDP = cp.Payload.SDP[:32] + "..."
	}
	b, err := json.Marshal(cp)
	if err != nil {
		return env.Type
	}
	return string(b)
}
