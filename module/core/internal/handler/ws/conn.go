package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetlink/relay/module/core/domain"
)

const (
	outboundQueueSize = 64
	writeWait         = 10 * time.Second
)

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("outbound queue full")
)

var _ domain.Sender = (*wsConn)(nil)

// wsConn wraps one websocket connection with a bounded outbound queue
// drained by a single write pump, so any goroutine can Send without
// touching the socket. A full queue closes the connection; the relay
// never buffers unboundedly for a slow consumer.
type wsConn struct {
	ws        *websocket.Conn
	out       chan domain.Envelope
	done      chan struct{}
	reason    string
	closeOnce sync.Once
	tearOnce  sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:   ws,
		out:  make(chan domain.Envelope, outboundQueueSize),
		done: make(chan struct{}),
	}
}

// writePump is the only goroutine that writes data frames. On close it
// flushes whatever was queued first, so an error sent right before Close
// still reaches the client ahead of the close frame.
func (c *wsConn) writePump() {
	for {
		select {
		case env := <-c.out:
			if !c.write(env) {
				return
			}
		case <-c.done:
			for {
				select {
				case env := <-c.out:
					if !c.write(env) {
						return
					}
				default:
					c.teardown()
					return
				}
			}
		}
	}
}

func (c *wsConn) write(env domain.Envelope) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(env); err != nil {
		c.Close("write failed")
		c.teardown()
		return false
	}
	return true
}

func (c *wsConn) Send(env domain.Envelope) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.out <- env:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		c.Close("slow consumer")
		return errSlowConsumer
	}
}

// Close is idempotent and asynchronous: it stops the pump, which flushes
// the queue, sends the close frame and releases the socket.
func (c *wsConn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

func (c *wsConn) teardown() {
	c.tearOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}
