// Package transport abstracts the browser-facing byte-frame carriers. A
// tunnel session speaks whole binary frames over a Conn and does not care
// whether the far side arrived over WebSocket or a WebRTC data channel.
package transport

import "errors"

// ErrClosed is returned by Conn operations after the carrier shuts down.
var ErrClosed = errors.New("transport closed")

// Conn is a reliable, ordered, message-oriented carrier. ReadFrame and
// WriteFrame move one whole frame at a time; partial frames never cross
// the boundary. WriteFrame must only be called from a single goroutine
// (the Sender enforces this). Close may be called concurrently and more
// than once.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}
