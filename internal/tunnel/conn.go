package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/muxgate/muxgate/internal/protocol"
	"github.com/muxgate/muxgate/internal/util"
)

// runChannel is the goroutine that manages a single logical connection.
// It authorizes the destination, dials it, acknowledges the open, and
// bridges data bidirectionally. The policy check always runs before any
// dial, so a denied destination is never contacted.
func (s *Session) runChannel(parentCtx context.Context, id uint32, open *protocol.OpenInfo, inbox <-chan *protocol.Message) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	defer s.dispatcher.Retire(id)

	dest := netip.AddrPortFrom(netip.AddrFrom4(open.DestIP), open.DestPort)

	if err := s.cfg.Policy.Current().AuthorizeIPv4(open.DestIP, open.DestPort); err != nil {
		util.Stats.AddDenied()
		util.LogInfo("[%08x] destination %s denied", id, dest)
		s.sendError(id, protocol.CodePolicyDenied, fmt.Sprintf("destination %s not permitted", dest))
		s.sendClose(id)
		return
	}

	tcpConn, err := net.DialTimeout("tcp", dest.String(), s.cfg.DialTimeout)
	if err != nil {
		util.LogInfo("[%08x] dial %s failed: %v", id, dest, err)
		s.sendError(id, protocol.CodeConnectFailed, fmt.Sprintf("connect to %s failed", dest))
		s.sendClose(id)
		return
	}
	defer tcpConn.Close()

	util.Stats.AddChannel()
	defer util.Stats.RemoveChannel()
	util.LogDebug("[%08x] connected to %s", id, dest)
	s.sendOpenAck(id)

	// Independent TCP→carrier goroutine. Its exit cancels ctx so the
	// inbox loop below also stops.
	go s.tcpToCarrier(ctx, cancel, id, tcpConn)

	for {
		select {
		case msg := <-inbox:
			switch msg.Type {
			case protocol.MsgData:
				if _, err := tcpConn.Write(msg.Data); err != nil {
					util.LogDebug("[%08x] TCP write error: %v", id, err)
					s.sendError(id, protocol.CodeSocketError, "write failed")
					s.sendClose(id)
					return
				}
			case protocol.MsgClose:
				util.LogDebug("[%08x] received close", id)
				return
			case protocol.MsgError:
				util.LogInfo("[%08x] peer error %s: %s", id,
					protocol.CodeName(msg.Error.Code),
					protocol.SanitizeDisplay([]byte(msg.Error.Message), 256))
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// tcpToCarrier reads from the TCP connection and forwards DATA messages.
// On EOF it sends a clean close; on error it reports before closing.
// Either way it cancels the shared context so the channel handler exits.
func (s *Session) tcpToCarrier(ctx context.Context, cancel context.CancelFunc, id uint32, tcpConn net.Conn) {
	defer cancel()

	buf := make([]byte, maxChunkSize)
	for {
		// Use a short deadline so we can periodically check ctx.Done().
		tcpConn.SetReadDeadline(time.Now().Add(tcpReadTimeout))
		n, err := tcpConn.Read(buf)

		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			s.sendData(id, payload)
		}

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				select {
				case <-ctx.Done():
					return
				default:
					continue
				}
			}
			if !errors.Is(err, io.EOF) {
				util.LogDebug("[%08x] TCP read error: %v", id, err)
				s.sendError(id, protocol.CodeSocketError, "read failed")
			}
			s.sendClose(id)
			return
		}
	}
}
