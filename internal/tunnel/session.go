// Package tunnel multiplexes logical proxy channels over one browser
// carrier. A Session owns the read loop for its carrier; each open channel
// runs as its own goroutine fed through the Dispatcher.
package tunnel

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/muxgate/muxgate/internal/policy"
	"github.com/muxgate/muxgate/internal/protocol"
	"github.com/muxgate/muxgate/internal/transport"
	"github.com/muxgate/muxgate/internal/util"
)

// Tuning constants.
const (
	maxChunkSize    = 16 * 1024              // per DATA message payload read from TCP
	tcpReadTimeout  = 100 * time.Millisecond // TCP read deadline for interruptibility
	inboxBufferSize = 64                     // per-channel inbox capacity
)

// Config carries the per-session limits and the shared policy store.
type Config struct {
	Policy *policy.Store

	MaxFramePayload int

	// MessagesPerSecond rate-limits inbound frames; zero disables the
	// limiter. After HardCloseAfterViolations rejected frames the whole
	// session is terminated.
	MessagesPerSecond        int
	HardCloseAfterViolations int

	DialTimeout       time.Duration
	IDQuiescenceDelay time.Duration
	UDPIdleTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxFramePayload <= 0 {
		c.MaxFramePayload = protocol.DefaultMaxPayloadSize
	}
	if c.HardCloseAfterViolations <= 0 {
		c.HardCloseAfterViolations = 10
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.IDQuiescenceDelay <= 0 {
		c.IDQuiescenceDelay = 2 * time.Second
	}
	if c.UDPIdleTimeout <= 0 {
		c.UDPIdleTimeout = 60 * time.Second
	}
	return c
}

// Session is one authenticated browser attachment. It demultiplexes the
// carrier's frame stream into per-channel handlers and relays datagrams.
type Session struct {
	conn   transport.Conn
	sender *transport.Sender
	cfg    Config

	dispatcher *Dispatcher
	limiter    *rate.Limiter
	udp        *udpRelay
}

// NewSession wraps an authenticated carrier. Run must be called to start
// frame processing.
func NewSession(conn transport.Conn, cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		conn:       conn,
		cfg:        cfg,
		dispatcher: NewDispatcher(cfg.IDQuiescenceDelay),
	}
	if cfg.MessagesPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.MessagesPerSecond)
	}
	return s
}

// Run processes frames until the carrier fails, ctx is cancelled, or the
// session is hard-closed for repeated violations. It always leaves the
// carrier closed.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.sender = transport.NewSender(ctx, s.conn)
	s.udp = newUDPRelay(s, s.cfg.UDPIdleTimeout)
	defer s.udp.closeAll()

	// Unblock ReadFrame on cancellation.
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	violations := 0
	for {
		raw, err := s.conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		util.Stats.AddRecv(len(raw))

		frame, err := protocol.DecodeFrame(raw, s.cfg.MaxFramePayload)
		if err != nil {
			util.Stats.AddAnomaly()
			util.LogWarning("dropping malformed frame (%d bytes): %v", len(raw), err)
			s.sendError(0, protocol.CodeInvalidFrame, err.Error())
			if violations++; violations >= s.cfg.HardCloseAfterViolations {
				util.LogWarning("closing session after %d violations", violations)
				return transport.ErrClosed
			}
			continue
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.sendError(frame.ChannelID, protocol.CodeRateLimited, "message rate exceeded")
			if violations++; violations >= s.cfg.HardCloseAfterViolations {
				util.LogWarning("closing session after %d violations", violations)
				return transport.ErrClosed
			}
			continue
		}

		switch frame.Type {
		case protocol.FramePing:
			s.sendFrame(&protocol.Frame{Type: protocol.FramePong, ChannelID: frame.ChannelID, Payload: frame.Payload})
		case protocol.FramePong:
			// Unsolicited pongs carry no state.
		case protocol.FrameStream:
			if s.handleStream(ctx, frame) {
				if violations++; violations >= s.cfg.HardCloseAfterViolations {
					util.LogWarning("closing session after %d violations", violations)
					return transport.ErrClosed
				}
			}
		case protocol.FrameDatagram:
			s.udp.handle(ctx, frame)
		}
	}
}

// handleStream decodes the proxy message inside a stream frame and routes
// it. Traffic for unknown or mismatched channel ids is a logged anomaly,
// never fatal for the session. The return value reports whether the frame
// counts as a protocol violation.
func (s *Session) handleStream(ctx context.Context, frame *protocol.Frame) bool {
	msg, err := protocol.DecodeMessage(frame.Payload)
	if err != nil {
		util.Stats.AddAnomaly()
		util.LogWarning("[%08x] dropping malformed message: %v", frame.ChannelID, err)
		s.sendError(frame.ChannelID, protocol.CodeInvalidFrame, err.Error())
		return true
	}
	if msg.ConnectionID != frame.ChannelID {
		util.Stats.AddAnomaly()
		util.LogWarning("[%08x] discarding message with mismatched connection id %08x",
			frame.ChannelID, msg.ConnectionID)
		return false
	}

	if msg.Type == protocol.MsgOpen {
		if msg.IsOpenAck() {
			// Only the gateway sends acks.
			util.Stats.AddAnomaly()
			util.LogWarning("[%08x] discarding unexpected open ack", frame.ChannelID)
			return false
		}
		s.openChannel(ctx, msg)
		return false
	}

	inbox, ok := s.dispatcher.Route(msg.ConnectionID)
	if !ok {
		util.Stats.AddAnomaly()
		util.LogDebug("[%08x] discarding %d-type message for unknown channel",
			msg.ConnectionID, msg.Type)
		return false
	}
	// Bounded delivery: a full inbox backpressures the whole read loop
	// until the channel handler drains or the session ends.
	select {
	case inbox <- msg:
	case <-ctx.Done():
	}
	return false
}

// openChannel registers the id and starts the per-channel handler.
func (s *Session) openChannel(ctx context.Context, msg *protocol.Message) {
	inbox, err := s.dispatcher.Register(msg.ConnectionID)
	if err != nil {
		util.Stats.AddAnomaly()
		util.LogWarning("[%08x] open rejected: %v", msg.ConnectionID, err)
		s.sendError(msg.ConnectionID, protocol.CodeSocketError, err.Error())
		s.sendClose(msg.ConnectionID)
		return
	}
	go s.runChannel(ctx, msg.ConnectionID, msg.Open, inbox)
}

// ---------------------------------------------------------------------------
// Outbound helpers. All frames leave through the single-writer sender.
// ---------------------------------------------------------------------------

func (s *Session) sendFrame(f *protocol.Frame) {
	if err := s.sender.Send(context.Background(), protocol.EncodeFrame(f)); err != nil {
		util.LogDebug("send dropped: %v", err)
	}
}

func (s *Session) sendMessage(m *protocol.Message) {
	s.sendFrame(&protocol.Frame{
		Type:      protocol.FrameStream,
		ChannelID: m.ConnectionID,
		Payload:   protocol.EncodeMessage(m),
	})
}

func (s *Session) sendOpenAck(id uint32) {
	s.sendMessage(&protocol.Message{Type: protocol.MsgOpen, ConnectionID: id})
}

func (s *Session) sendData(id uint32, payload []byte) {
	s.sendMessage(&protocol.Message{Type: protocol.MsgData, ConnectionID: id, Data: payload})
}

func (s *Session) sendClose(id uint32) {
	s.sendMessage(&protocol.Message{Type: protocol.MsgClose, ConnectionID: id})
}

func (s *Session) sendError(id uint32, code uint16, detail string) {
	s.sendMessage(&protocol.Message{
		Type:         protocol.MsgError,
		ConnectionID: id,
		Error:        &protocol.ErrorInfo{Code: code, Message: detail},
	})
}
