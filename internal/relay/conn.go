package relay

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// ConnState tracks a peer connection through its lifecycle.
type ConnState int32

const (
	// StateConnecting is a connection upgraded but not yet registered with the hub.
	StateConnecting ConnState = iota
	// StateOpen is a registered connection eligible for broadcasts.
	StateOpen
	// StateClosed is a connection removed from the hub.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Conn is one peer socket. Its read pump feeds the hub and its write pump drains the
// send buffer; only the write pump writes to the socket.
type Conn struct {
	id     string
	hub    *Hub
	socket *websocket.Conn
	send   chan []byte
	state  atomic.Int32
	remote string
}

func newConn(hub *Hub, socket *websocket.Conn, bufferSize int) *Conn {
	conn := &Conn{
		id:     uuid.NewString(),
		hub:    hub,
		socket: socket,
		send:   make(chan []byte, bufferSize),
	}
	if socket != nil {
		conn.remote = socket.RemoteAddr().String()
	}
	conn.state.Store(int32(StateConnecting))
	return conn
}

// ID identifies the connection in logs.
func (c *Conn) ID() string {
	return c.id
}

// State reports the connection's lifecycle state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Conn) setState(state ConnState) {
	c.state.Store(int32(state))
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.unregisterConn(c)
		c.socket.Close()
	}()

	c.socket.SetReadLimit(maxMessageSize)
	c.socket.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.socket.SetPongHandler(func(string) error {
		c.socket.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		return nil
	})

	for {
		messageType, frame, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.hub.logger.Debug("peer read failed", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !c.hub.deliver(inboundFrame{from: c, raw: frame}) {
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.socket.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if !ok {
				c.socket.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.hub.logger.Warn("peer write failed", zap.String("conn_id", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
