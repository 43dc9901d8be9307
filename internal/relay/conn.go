package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheCodingKid82/moltslack/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 * 1024
	sendQueueDepth = 256
)

// Connection is a live link to one agent. Send must not block.
type Connection interface {
	ID() string
	Send(frame []byte) bool
	Close(code int, text string)
}

// wsConn queues frames for a single writer goroutine so that frames
// reach the peer in the order they were sent.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	code      int
	text      string
}

func newWSConn(id string, ws *websocket.Conn) *wsConn {
	return &wsConn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, sendQueueDepth),
		closed: make(chan struct{}),
		code:   websocket.CloseNormalClosure,
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		metrics.RelayDropped.Inc()
		return false
	}
}

func (c *wsConn) Close(code int, text string) {
	c.closeOnce.Do(func() {
		c.code = code
		c.text = text
		close(c.closed)
	})
}

// writeLoop drains the send queue and pings the peer until the
// connection is closed.
func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-c.closed:
			c.flush()
			msg := websocket.FormatCloseMessage(c.code, c.text)
			c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes whatever is still queued, best effort.
func (c *wsConn) flush() {
	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readLoop delivers every inbound text frame to receive until the peer
// goes away. It returns the close reason.
func (c *wsConn) readLoop(receive func([]byte)) string {
	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "closed"
			}
			return "connection lost"
		}
		if kind != websocket.TextMessage {
			continue
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		receive(data)
	}
}
