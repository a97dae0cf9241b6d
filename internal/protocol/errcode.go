package protocol

import (
	"strings"
	"unicode/utf8"
)

// Wire error codes carried in Error messages.
const (
	CodeAuthRequired  uint16 = 1
	CodeAuthInvalid   uint16 = 2
	CodePolicyDenied  uint16 = 3
	CodeRateLimited   uint16 = 4
	CodeInvalidFrame  uint16 = 5
	CodeConnectFailed uint16 = 6
	CodeSocketError   uint16 = 7
	CodeBackpressure  uint16 = 8
	CodeInternalError uint16 = 9
)

// maxErrorMessageBytes caps the UTF-8 message carried in an Error body.
const maxErrorMessageBytes = 65535

var codeNames = map[uint16]string{
	CodeAuthRequired:  "auth required",
	CodeAuthInvalid:   "auth invalid",
	CodePolicyDenied:  "policy denied",
	CodeRateLimited:   "rate limited",
	CodeInvalidFrame:  "invalid frame",
	CodeConnectFailed: "connect failed",
	CodeSocketError:   "socket error",
	CodeBackpressure:  "backpressure",
	CodeInternalError: "internal error",
}

// CodeName returns a short human-readable name for a wire error code.
func CodeName(code uint16) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return "unknown"
}

// SanitizeDisplay converts untrusted bytes into a bounded display string:
// at most max bytes of input are considered, invalid UTF-8 sequences become
// U+FFFD, and control characters become spaces. It is total — any input
// yields a printable string — and is the only path by which untrusted or
// internal text reaches the wire or the logs.
func SanitizeDisplay(b []byte, max int) string {
	if max <= 0 || max > maxErrorMessageBytes {
		max = maxErrorMessageBytes
	}
	if len(b) > max {
		b = b[:max]
	}
	var sb strings.Builder
	sb.Grow(len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
		} else if r < 0x20 || r == 0x7f {
			sb.WriteByte(' ')
		} else {
			sb.WriteRune(r)
		}
		b = b[size:]
	}
	return sb.String()
}
