package syncclient

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Conn is one relay connection. Write may be called from several goroutines; Read is
// called only by the adapter's read loop.
type Conn interface {
	Read() ([]byte, error)
	Write(frame []byte) error
	Close() error
}

// Dialer opens relay connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the relay over gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

// Dial opens a websocket connection to url.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	socket, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &websocketConn{socket: socket}, nil
}

type websocketConn struct {
	socket  *websocket.Conn
	writeMu sync.Mutex
}

func (c *websocketConn) Read() ([]byte, error) {
	for {
		messageType, frame, err := c.socket.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage {
			return frame, nil
		}
	}
}

func (c *websocketConn) Write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.socket.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	return c.socket.WriteMessage(websocket.TextMessage, frame)
}

func (c *websocketConn) Close() error {
	c.writeMu.Lock()
	c.socket.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	c.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")) //nolint:errcheck
	c.writeMu.Unlock()
	return c.socket.Close()
}
