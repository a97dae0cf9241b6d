package transport

import (
	"context"

	"github.com/muxgate/muxgate/internal/util"
)

// sendQueueSize caps the number of frames waiting for the writer
// goroutine. A full queue makes Send block, which is the backpressure
// signal the per-channel pumps rely on.
const sendQueueSize = 64

// Sender serializes all writes to a single Conn through one background
// goroutine. Callers enqueue with Send; a full queue blocks the caller
// until the writer drains or the caller's context is cancelled.
type Sender struct {
	inbox chan []byte
	done  chan struct{}
}

// NewSender starts the writer goroutine for conn. The goroutine exits
// when ctx is cancelled or a write fails; either way Done is closed and
// further Sends fail fast.
func NewSender(ctx context.Context, conn Conn) *Sender {
	s := &Sender{
		inbox: make(chan []byte, sendQueueSize),
		done:  make(chan struct{}),
	}
	go s.loop(ctx, conn)
	return s
}

func (s *Sender) loop(ctx context.Context, conn Conn) {
	defer close(s.done)
	for {
		select {
		case frame := <-s.inbox:
			if err := conn.WriteFrame(frame); err != nil {
				util.LogWarning("frame write failed (%d bytes): %v", len(frame), err)
				return
			}
			util.Stats.AddSent(len(frame))
		case <-ctx.Done():
			return
		}
	}
}

// Send enqueues one frame for transmission. It blocks while the queue is
// full and returns the context error if ctx is cancelled first, or
// ErrClosed once the writer has stopped.
func (s *Sender) Send(ctx context.Context, frame []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.inbox <- frame:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues without blocking. It reports false when the queue is
// full or the writer has stopped.
func (s *Sender) TrySend(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- frame:
		return true
	default:
		return false
	}
}

// Done is closed when the writer goroutine has exited.
func (s *Sender) Done() <-chan struct{} {
	return s.done
}
