// Package ws wraps a gorilla/websocket connection as the egress
// primitive the connection registry and router use, with a bounded
// send queue and a dedicated write goroutine so a slow client can
// never block the router's inbound dispatch.
package ws

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowgate/flowgate/util/logger"
)

// sendQueueSize bounds how many outbound frames can be buffered for a
// single client before it is considered too slow to keep up.
const sendQueueSize = 256

// Upgrader is shared by every WebSocket accept in gatewayserver. Origin
// checking is left to the edge per spec.md's non-goals around authn.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn adapts *websocket.Conn to registry.Conn. Reads happen on the
// caller's goroutine via ReadLoop; writes are serialized through a
// single writer goroutine draining a bounded channel.
type Conn struct {
	ws   *websocket.Conn
	log  *logger.Logger
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps an already-upgraded *websocket.Conn and starts its writer
// goroutine.
func New(wsConn *websocket.Conn) *Conn {
	c := &Conn{
		ws:     wsConn,
		log:    logger.NewLogger("ws.Conn"),
		send:   make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send enqueues payload for delivery. If the send queue is full — the
// client isn't draining fast enough — the connection is disconnected
// with close code 1013 ("try again later") per spec.md §5's
// backpressure policy, and Send reports failure; the registry passes
// that on to the router, which unregisters the client.
func (c *Conn) Send(payload string) error {
	select {
	case <-c.closed:
		return fmt.Errorf("ws: connection closed")
	default:
	}

	select {
	case c.send <- []byte(payload):
		return nil
	case <-c.closed:
		return fmt.Errorf("ws: connection closed")
	default:
		c.log.Warnf("send queue full, disconnecting")
		_ = c.Close(1013, "try again later")
		return fmt.Errorf("ws: send queue full")
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Warnf("write failed: %v", err)
				_ = c.Close(1011, "write error")
				return
			}
		case <-c.closed:
			return
		}
	}
}

// ReadLoop blocks reading text frames from the client and invokes
// handle for each one, until the connection closes or errors. It is
// meant to run on the accept goroutine; onClose is called exactly once
// when the loop exits, however it exits.
func (c *Conn) ReadLoop(handle func(frame []byte), onClose func()) {
	defer onClose()
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		handle(frame)
	}
}

// Close sends a WebSocket close frame with the given code and reason,
// then closes the underlying connection. Safe to call more than once;
// only the first call has effect.
func (c *Conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(time.Second)
		closeMsg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, closeMsg, deadline)
		err = c.ws.Close()
	})
	return err
}
