package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Proxy sub-protocol message type constants.
const (
	MsgOpen  uint8 = 0x01
	MsgData  uint8 = 0x02
	MsgClose uint8 = 0x03
	MsgError uint8 = 0x04
)

// MsgHeaderSize is the fixed sub-protocol header: Type(1) + ConnectionID(4).
const MsgHeaderSize = 5

// openRequestBodySize is ipVersion(1) + destIP(4) + destPort(2).
const openRequestBodySize = 7

// errorFixedBodySize is code(2) + msgLen(2).
const errorFixedBodySize = 4

// IPv4 is the only ip version the Open request currently carries.
const IPv4 uint8 = 4

var ErrBadMessage = errors.New("malformed proxy message")

// Message is the decoded form of one proxy sub-protocol message. Exactly one
// of the variant pointers is non-nil, selected by Type.
type Message struct {
	Type         uint8
	ConnectionID uint32

	Open  *OpenInfo  // MsgOpen requests; nil for the empty-body ack
	Data  []byte     // MsgData payload
	Error *ErrorInfo // MsgError
}

// OpenInfo is the body of an Open request. An Open with a nil OpenInfo is
// the acknowledgement form (empty body on the wire).
type OpenInfo struct {
	IPVersion uint8
	DestIP    [4]byte
	DestPort  uint16
}

// ErrorInfo is the body of an Error message.
type ErrorInfo struct {
	Code    uint16
	Message string
}

// IsOpenAck reports whether m is an Open acknowledgement (empty body) rather
// than an Open request.
func (m *Message) IsOpenAck() bool {
	return m.Type == MsgOpen && m.Open == nil
}

// EncodeMessage serializes a proxy sub-protocol message.
func EncodeMessage(m *Message) []byte {
	switch m.Type {
	case MsgOpen:
		if m.Open == nil {
			return encodeHeader(m, 0)
		}
		buf := encodeHeader(m, openRequestBodySize)
		buf[MsgHeaderSize] = m.Open.IPVersion
		copy(buf[MsgHeaderSize+1:MsgHeaderSize+5], m.Open.DestIP[:])
		binary.BigEndian.PutUint16(buf[MsgHeaderSize+5:], m.Open.DestPort)
		return buf
	case MsgData:
		buf := encodeHeader(m, len(m.Data))
		copy(buf[MsgHeaderSize:], m.Data)
		return buf
	case MsgClose:
		return encodeHeader(m, 0)
	case MsgError:
		msg := m.Error.Message
		if len(msg) > maxErrorMessageBytes {
			// Back off to a rune boundary so the cut never splits a
			// multi-byte character.
			cut := maxErrorMessageBytes
			for cut > 0 && !utf8.RuneStart(msg[cut]) {
				cut--
			}
			msg = msg[:cut]
		}
		buf := encodeHeader(m, errorFixedBodySize+len(msg))
		binary.BigEndian.PutUint16(buf[MsgHeaderSize:], m.Error.Code)
		binary.BigEndian.PutUint16(buf[MsgHeaderSize+2:], uint16(len(msg)))
		copy(buf[MsgHeaderSize+4:], msg)
		return buf
	default:
		// Unknown types cannot be constructed by gateway code; emit a bare
		// header so the condition is at least visible on the wire.
		return encodeHeader(m, 0)
	}
}

func encodeHeader(m *Message, bodyLen int) []byte {
	buf := make([]byte, MsgHeaderSize+bodyLen)
	buf[0] = m.Type
	binary.BigEndian.PutUint32(buf[1:5], m.ConnectionID)
	return buf
}

// DecodeMessage parses one proxy sub-protocol message. It is the single
// decode entry point for every variant; unknown type bytes and any body
// length that does not match the variant's shape are errors. Open requests
// and acks share a type byte and are distinguished purely by body length
// (0 = ack, 7 = request).
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) < MsgHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrBadMessage, len(data), MsgHeaderSize)
	}
	m := &Message{
		Type:         data[0],
		ConnectionID: binary.BigEndian.Uint32(data[1:5]),
	}
	body := data[MsgHeaderSize:]

	switch m.Type {
	case MsgOpen:
		switch len(body) {
		case 0:
			return m, nil // ack
		case openRequestBodySize:
			info := &OpenInfo{
				IPVersion: body[0],
				DestPort:  binary.BigEndian.Uint16(body[5:7]),
			}
			copy(info.DestIP[:], body[1:5])
			if info.IPVersion != IPv4 {
				return nil, fmt.Errorf("%w: unsupported ip version %d", ErrBadMessage, info.IPVersion)
			}
			m.Open = info
			return m, nil
		default:
			return nil, fmt.Errorf("%w: open body must be 0 or %d bytes, got %d", ErrBadMessage, openRequestBodySize, len(body))
		}
	case MsgData:
		m.Data = body
		return m, nil
	case MsgClose:
		if len(body) != 0 {
			return nil, fmt.Errorf("%w: close carries %d payload bytes", ErrBadMessage, len(body))
		}
		return m, nil
	case MsgError:
		if len(body) < errorFixedBodySize {
			return nil, fmt.Errorf("%w: error body too short (%d bytes)", ErrBadMessage, len(body))
		}
		msgLen := int(binary.BigEndian.Uint16(body[2:4]))
		if len(body) != errorFixedBodySize+msgLen {
			return nil, fmt.Errorf("%w: error message length %d does not match body (%d bytes)", ErrBadMessage, msgLen, len(body)-errorFixedBodySize)
		}
		m.Error = &ErrorInfo{
			Code: binary.BigEndian.Uint16(body[0:2]),
			// Lossy-safe: invalid UTF-8 must not crash the error path; the
			// strict length check above is what protocol correctness needs.
			Message: SanitizeDisplay(body[4:], msgLen),
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type 0x%02x", ErrBadMessage, m.Type)
	}
}
