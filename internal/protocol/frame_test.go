package protocol

import (
	"bytes"
	"errors"
	"testing"
)

// TestFrameRoundTrip verifies that EncodeFrame and DecodeFrame are inverse
// operations for every frame type and several payload sizes.
func TestFrameRoundTrip(t *testing.T) {
	testCases := []struct {
		name  string
		frame *Frame
	}{
		{
			name:  "stream with small payload",
			frame: &Frame{Type: FrameStream, ChannelID: 0x12345678, Payload: []byte("hello world")},
		},
		{
			name:  "datagram with binary payload",
			frame: &Frame{Type: FrameDatagram, ChannelID: 0xDEADBEEF, Payload: []byte{0x00, 0xff, 0x10}},
		},
		{
			name:  "ping with empty payload",
			frame: &Frame{Type: FramePing, ChannelID: 1, Payload: nil},
		},
		{
			name:  "pong with empty payload",
			frame: &Frame{Type: FramePong, ChannelID: 0, Payload: nil},
		},
		{
			name:  "stream with 64KiB payload",
			frame: &Frame{Type: FrameStream, ChannelID: 0xCAFEBABE, Payload: make([]byte, 64*1024)},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := EncodeFrame(tc.frame)
			if len(data) != FrameHeaderSize+len(tc.frame.Payload) {
				t.Fatalf("encoded length = %d, want %d", len(data), FrameHeaderSize+len(tc.frame.Payload))
			}

			got, err := DecodeFrame(data, DefaultMaxPayloadSize)
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}
			if got.Type != tc.frame.Type {
				t.Errorf("Type = %d, want %d", got.Type, tc.frame.Type)
			}
			if got.ChannelID != tc.frame.ChannelID {
				t.Errorf("ChannelID = %08x, want %08x", got.ChannelID, tc.frame.ChannelID)
			}
			if !bytes.Equal(got.Payload, tc.frame.Payload) {
				t.Errorf("payload mismatch: got %d bytes, want %d", len(got.Payload), len(tc.frame.Payload))
			}
		})
	}
}

// TestDecodeFrameTruncatedHeader checks that every input shorter than the
// 9-byte header fails with ErrFrameTruncated.
func TestDecodeFrameTruncatedHeader(t *testing.T) {
	for n := 0; n < FrameHeaderSize; n++ {
		_, err := DecodeFrame(make([]byte, n), DefaultMaxPayloadSize)
		if !errors.Is(err, ErrFrameTruncated) {
			t.Errorf("DecodeFrame(%d bytes) = %v, want ErrFrameTruncated", n, err)
		}
	}
}

// TestDecodeFrameTruncatedPayload checks that a header declaring more
// payload than is present fails with ErrFrameTruncated.
func TestDecodeFrameTruncatedPayload(t *testing.T) {
	data := EncodeFrame(&Frame{Type: FrameStream, ChannelID: 7, Payload: make([]byte, 100)})
	for _, cut := range []int{FrameHeaderSize, FrameHeaderSize + 1, FrameHeaderSize + 99} {
		_, err := DecodeFrame(data[:cut], DefaultMaxPayloadSize)
		if !errors.Is(err, ErrFrameTruncated) {
			t.Errorf("DecodeFrame(cut at %d) = %v, want ErrFrameTruncated", cut, err)
		}
	}
}

// TestDecodeFrameOversizeBeforeTruncation verifies that a declared length
// above the ceiling fails with ErrFrameTooLarge even when almost no payload
// bytes are actually present — the size check must precede the availability
// check so the declared length never drives an allocation.
func TestDecodeFrameOversizeBeforeTruncation(t *testing.T) {
	huge := EncodeFrame(&Frame{Type: FrameStream, ChannelID: 1, Payload: make([]byte, 2048)})
	// Rewrite the declared length to something enormous and cut the payload off.
	huge[5], huge[6], huge[7], huge[8] = 0xff, 0xff, 0xff, 0xff
	_, err := DecodeFrame(huge[:FrameHeaderSize+1], 1024)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("DecodeFrame = %v, want ErrFrameTooLarge", err)
	}
}

// TestDecodeFramePaddedInput verifies that trailing bytes beyond the
// declared payload length are ignored.
func TestDecodeFramePaddedInput(t *testing.T) {
	data := EncodeFrame(&Frame{Type: FrameStream, ChannelID: 3, Payload: []byte("abc")})
	padded := append(data, 0x00, 0x00, 0x00, 0x00)

	got, err := DecodeFrame(padded, DefaultMaxPayloadSize)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if string(got.Payload) != "abc" {
		t.Fatalf("payload = %q, want %q", got.Payload, "abc")
	}
}

// TestDecodeFrameDoesNotCopy verifies the decoded payload is a view into
// the input rather than a copy.
func TestDecodeFrameDoesNotCopy(t *testing.T) {
	data := EncodeFrame(&Frame{Type: FrameStream, ChannelID: 3, Payload: []byte("abc")})
	got, err := DecodeFrame(data, DefaultMaxPayloadSize)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	data[FrameHeaderSize] = 'x'
	if string(got.Payload) != "xbc" {
		t.Fatalf("payload does not alias input: %q", got.Payload)
	}
}
