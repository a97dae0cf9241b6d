package tunnel

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/muxgate/muxgate/internal/protocol"
	"github.com/muxgate/muxgate/internal/util"
)

// datagramHeaderSize is the fixed prefix of a datagram frame body: the
// destination (outbound) or source (inbound) IPv4 address and port.
const datagramHeaderSize = 6

const maxDatagramSize = 64 * 1024

// udpRelay forwards datagram frames. Each channel id lazily gets its own
// local UDP socket so replies can be attributed; bindings are reaped
// after the idle timeout.
type udpRelay struct {
	session     *Session
	idleTimeout time.Duration

	mu       sync.Mutex
	bindings map[uint32]*udpBinding
	closed   bool
}

type udpBinding struct {
	conn       *net.UDPConn
	lastActive atomicTime
}

// atomicTime stores a time.Time behind a mutex small enough to inline.
type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) set(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomicTime) get() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}

func newUDPRelay(s *Session, idleTimeout time.Duration) *udpRelay {
	return &udpRelay{
		session:     s,
		idleTimeout: idleTimeout,
		bindings:    make(map[uint32]*udpBinding),
	}
}

// handle forwards one outbound datagram frame. Every datagram is checked
// against the destination policy; denied datagrams are dropped and
// counted, not fatal.
func (r *udpRelay) handle(ctx context.Context, frame *protocol.Frame) {
	if len(frame.Payload) < datagramHeaderSize {
		util.Stats.AddAnomaly()
		util.LogWarning("[%08x] dropping short datagram (%d bytes)", frame.ChannelID, len(frame.Payload))
		return
	}

	var destIP [4]byte
	copy(destIP[:], frame.Payload[:4])
	destPort := binary.BigEndian.Uint16(frame.Payload[4:6])
	payload := frame.Payload[datagramHeaderSize:]

	if err := r.session.cfg.Policy.Current().AuthorizeIPv4(destIP, destPort); err != nil {
		util.Stats.AddDenied()
		util.LogDebug("[%08x] datagram to %s:%d denied", frame.ChannelID,
			netip.AddrFrom4(destIP), destPort)
		return
	}

	binding, err := r.binding(ctx, frame.ChannelID)
	if err != nil {
		util.LogWarning("[%08x] UDP binding failed: %v", frame.ChannelID, err)
		r.session.sendError(frame.ChannelID, protocol.CodeSocketError, "datagram socket unavailable")
		return
	}
	binding.lastActive.set(time.Now())

	dest := net.UDPAddrFromAddrPort(netip.AddrPortFrom(netip.AddrFrom4(destIP), destPort))
	if _, err := binding.conn.WriteToUDP(payload, dest); err != nil {
		util.LogDebug("[%08x] datagram send to %s failed: %v", frame.ChannelID, dest, err)
	}
}

// binding returns the socket for a channel id, creating it and starting
// its reply reader on first use.
func (r *udpRelay) binding(ctx context.Context, id uint32) (*udpBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, net.ErrClosed
	}
	if b, ok := r.bindings[id]; ok {
		return b, nil
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, err
	}
	b := &udpBinding{conn: conn}
	b.lastActive.set(time.Now())
	r.bindings[id] = b

	go r.readReplies(ctx, id, b)
	go r.reapWhenIdle(ctx, id, b)
	return b, nil
}

// readReplies forwards inbound packets back as datagram frames, prefixed
// with the reply source address so the browser can demultiplex.
func (r *udpRelay) readReplies(ctx context.Context, id uint32, b *udpBinding) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		b.lastActive.set(time.Now())

		srcIP := src.IP.To4()
		if srcIP == nil {
			continue
		}
		body := make([]byte, datagramHeaderSize+n)
		copy(body[:4], srcIP)
		binary.BigEndian.PutUint16(body[4:6], uint16(src.Port))
		copy(body[datagramHeaderSize:], buf[:n])

		r.session.sendFrame(&protocol.Frame{
			Type:      protocol.FrameDatagram,
			ChannelID: id,
			Payload:   body,
		})

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// reapWhenIdle closes the binding once it has seen no traffic for the
// idle timeout.
func (r *udpRelay) reapWhenIdle(ctx context.Context, id uint32, b *udpBinding) {
	ticker := time.NewTicker(r.idleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if time.Since(b.lastActive.get()) >= r.idleTimeout {
				r.drop(id, b)
				return
			}
		case <-ctx.Done():
			r.drop(id, b)
			return
		}
	}
}

func (r *udpRelay) drop(id uint32, b *udpBinding) {
	r.mu.Lock()
	if r.bindings[id] == b {
		delete(r.bindings, id)
	}
	r.mu.Unlock()
	b.conn.Close()
}

func (r *udpRelay) closeAll() {
	r.mu.Lock()
	r.closed = true
	bindings := r.bindings
	r.bindings = make(map[uint32]*udpBinding)
	r.mu.Unlock()
	for _, b := range bindings {
		b.conn.Close()
	}
}
