package webrtc

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/muxgate/muxgate/internal/transport"
)

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this

	recvQueueSize = 64
)

// DCConn adapts a pion DataChannel to transport.Conn. Inbound messages
// are bridged from the OnMessage callback into a channel so ReadFrame has
// the same pull semantics as the websocket carrier; outbound writes block
// on the bufferedAmount watermarks so a slow peer backpressures the
// writer instead of growing the SCTP buffer without bound.
type DCConn struct {
	dc *webrtc.DataChannel

	recv      chan []byte
	sendReady chan struct{}
	open      chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewDCConn wraps dc and wires the open, close, message, and backpressure
// callbacks. Must be called before signaling completes so no message is
// dropped.
func NewDCConn(dc *webrtc.DataChannel) *DCConn {
	c := &DCConn{
		dc:        dc,
		recv:      make(chan []byte, recvQueueSize),
		sendReady: make(chan struct{}, 1),
		open:      make(chan struct{}),
		closed:    make(chan struct{}),
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(c.open) })
	})
	dc.OnClose(func() {
		c.Close()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case c.recv <- msg.Data:
		case <-c.closed:
		}
	})

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case c.sendReady <- struct{}{}:
		default:
		}
	})

	return c
}

// Ready returns a channel closed once the data channel is open.
func (c *DCConn) Ready() <-chan struct{} {
	return c.open
}

// Done returns a channel closed once the carrier is closed.
func (c *DCConn) Done() <-chan struct{} {
	return c.closed
}

func (c *DCConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-c.recv:
		return data, nil
	case <-c.closed:
		return nil, transport.ErrClosed
	}
}

func (c *DCConn) WriteFrame(data []byte) error {
	select {
	case <-c.open:
	case <-c.closed:
		return transport.ErrClosed
	}
	if c.dc.BufferedAmount() > uint64(highWaterMark) {
		select {
		case <-c.sendReady:
		case <-c.closed:
			return transport.ErrClosed
		}
	}
	return c.dc.Send(data)
}

func (c *DCConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.dc.Close()
}
