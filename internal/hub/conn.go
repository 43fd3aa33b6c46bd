package hub

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/pitwall-dev/relay/internal/feed"
)

const (
	writeWait     = 5 * time.Second
	sendQueueSize = 64
	// maxSendFails consecutive full-queue drops get a connection closed.
	maxSendFails = 3
)

// conn is one subscriber connection. The subs set is guarded by the hub
// registry lock; everything else is owned by the connection's own pumps or
// accessed atomically.
type conn struct {
	id   string
	ip   string
	sock net.Conn

	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}

	subs        map[feed.Kind]struct{}
	connectedAt time.Time
	lastPing    atomic.Int64
	sendFails   atomic.Int32
}

func newConn(id, ip string, sock net.Conn) *conn {
	c := &conn{
		id:          id,
		ip:          ip,
		sock:        sock,
		send:        make(chan []byte, sendQueueSize),
		done:        make(chan struct{}),
		subs:        make(map[feed.Kind]struct{}),
		connectedAt: time.Now(),
	}
	c.lastPing.Store(time.Now().UnixNano())
	return c
}

// enqueue queues one frame without blocking. A full queue counts as a send
// failure; the caller decides when the connection is too slow to keep.
func (c *conn) enqueue(data []byte) bool {
	if data == nil {
		return false
	}
	select {
	case c.send <- data:
		c.sendFails.Store(0)
		return true
	default:
		c.sendFails.Add(1)
		return false
	}
}

func (c *conn) tooSlow() bool {
	return c.sendFails.Load() >= maxSendFails
}

func (c *conn) touchPing() {
	c.lastPing.Store(time.Now().UnixNano())
}

func (c *conn) idleSince() time.Time {
	return time.Unix(0, c.lastPing.Load())
}

// close shuts the transport once. The pumps observe the closed socket and
// unwind.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sock.Close()
	})
}

// writePump drains the send queue onto the socket and keeps protocol-level
// pings flowing.
func (c *conn) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.sock, ws.OpText, data); err != nil {
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.sock, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}
