package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// WSConn adapts a websocket connection to the Conn interface. Frames map
// one-to-one onto binary websocket messages. Text messages are a protocol
// violation and fail the read.
type WSConn struct {
	ws *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

// NewWSConn wraps an upgraded websocket connection. maxFrameSize bounds
// inbound message size; oversize messages terminate the connection at the
// websocket layer before any frame decoding runs.
func NewWSConn(ws *websocket.Conn, maxFrameSize int64) *WSConn {
	ws.SetReadLimit(maxFrameSize)
	return &WSConn{ws: ws}
}

func (c *WSConn) ReadFrame() ([]byte, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.BinaryMessage {
		c.Close()
		return nil, ErrClosed
	}
	return data, nil
}

func (c *WSConn) WriteFrame(data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
