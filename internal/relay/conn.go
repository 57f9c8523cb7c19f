package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second

	// probeWait bounds the liveness roundtrip when a join finds the
	// slot occupied: one ping, one pong, or the incumbent is Gone.
	probeWait = 2 * time.Second

	maxFrameBytes = 1 << 20

	outboundDepth = 64
)

var errConnClosed = errors.New("connection closed")

// conn wraps one websocket connection. Reads happen on the per-
// connection reader goroutine; all data writes funnel through the
// outbound channel into a single writer pump, per gorilla's one
// writer rule. Control frames (ping) may be written concurrently.
type conn struct {
	id string
	ws *websocket.Conn

	outbound chan []byte

	mu     sync.Mutex
	closed bool
	pongCh chan struct{}
}

func newConn(id string, ws *websocket.Conn) *conn {
	c := &conn{
		id:       id,
		ws:       ws,
		outbound: make(chan []byte, outboundDepth),
		pongCh:   make(chan struct{}, 1),
	}
	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case c.pongCh <- struct{}{}:
		default:
		}
		return nil
	})
	return c
}

// send queues a frame for the writer pump. Fails once the connection
// is closed or its outbound buffer is full (a peer that stopped
// reading is treated as gone rather than blocking the hub).
func (c *conn) send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.outbound <- frame:
		return nil
	default:
		return errConnClosed
	}
}

// sendJSON marshals via the frame's own Encode and queues it.
func (c *conn) sendJSON(frame interface{ Encode() ([]byte, error) }) error {
	raw, err := frame.Encode()
	if err != nil {
		return err
	}
	return c.send(raw)
}

// writePump owns all data writes and the keepalive pings. Returns
// when the outbound channel closes or a write fails.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-c.outbound:
			if !ok {
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.markClosed()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.markClosed()
				return
			}
		}
	}
}

// probe asks whether the connection is still alive: a websocket-
// native ping with a bounded wait for the pong. A closed connection,
// a failed control write, or a missing pong all mean Gone.
func (c *conn) probe() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	// Drain a stale pong so the wait below sees a fresh one.
	select {
	case <-c.pongCh:
	default:
	}
	if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(probeWait)); err != nil {
		return false
	}
	select {
	case <-c.pongCh:
		return true
	case <-time.After(probeWait):
		return false
	}
}

func (c *conn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// close tears the transport down; safe to call more than once.
func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.outbound)
	c.mu.Unlock()
	_ = c.ws.Close()
}
