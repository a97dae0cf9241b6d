// Package protocol defines the wire format of the gateway tunnel: the outer
// mux frame that carries multiplexed channels over one physical connection,
// and the per-connection proxy sub-protocol layered inside stream frames.
//
// All integers are big-endian. The underlying transport (WebSocket binary
// messages or an ordered WebRTC data channel) is assumed to deliver frames
// reliably and in order, so there is no sequencing or reassembly here.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame type constants.
const (
	FrameStream   uint8 = 0x01 // payload is a proxy sub-protocol message
	FrameDatagram uint8 = 0x02 // payload is a UDP datagram body
	FramePing     uint8 = 0x03 // keepalive probe, empty payload
	FramePong     uint8 = 0x04 // keepalive reply, empty payload
)

// FrameHeaderSize is the fixed header size: Type(1) + ChannelID(4) + Length(4).
const FrameHeaderSize = 9

// DefaultMaxPayloadSize is the payload ceiling applied when the caller does
// not configure one.
const DefaultMaxPayloadSize = 1 << 20 // 1 MiB

// Frame decode errors.
var (
	ErrFrameTruncated = errors.New("frame truncated")
	ErrFrameTooLarge  = errors.New("frame payload exceeds maximum size")
)

// Frame is the outer envelope of the tunnel transport. ChannelID is chosen
// by the initiator and must be treated as an untrusted lookup key.
type Frame struct {
	Type      uint8
	ChannelID uint32
	Payload   []byte
}

// EncodeFrame serializes a frame: 9-byte header followed by the payload.
func EncodeFrame(f *Frame) []byte {
	buf := make([]byte, FrameHeaderSize+len(f.Payload))
	buf[0] = f.Type
	binary.BigEndian.PutUint32(buf[1:5], f.ChannelID)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(f.Payload)))
	copy(buf[FrameHeaderSize:], f.Payload)
	return buf
}

// DecodeFrame parses a frame from data. The declared payload length is
// validated against maxPayloadSize before the available bytes are examined,
// so an attacker cannot force a large allocation by declaring a huge length
// and sending a short message. The returned payload aliases data; the input
// is never mutated. Trailing bytes beyond the declared length are ignored,
// which tolerates length-padded outer transports.
func DecodeFrame(data []byte, maxPayloadSize int) (*Frame, error) {
	if maxPayloadSize <= 0 {
		maxPayloadSize = DefaultMaxPayloadSize
	}
	if len(data) < FrameHeaderSize {
		return nil, fmt.Errorf("%w: %d header bytes (need %d)", ErrFrameTruncated, len(data), FrameHeaderSize)
	}
	length := binary.BigEndian.Uint32(data[5:9])
	if length > uint32(maxPayloadSize) {
		return nil, fmt.Errorf("%w: declared %d bytes (max %d)", ErrFrameTooLarge, length, maxPayloadSize)
	}
	if uint32(len(data)-FrameHeaderSize) < length {
		return nil, fmt.Errorf("%w: declared %d payload bytes, %d available", ErrFrameTruncated, length, len(data)-FrameHeaderSize)
	}
	return &Frame{
		Type:      data[0],
		ChannelID: binary.BigEndian.Uint32(data[1:5]),
		Payload:   data[FrameHeaderSize : FrameHeaderSize+length],
	}, nil
}
