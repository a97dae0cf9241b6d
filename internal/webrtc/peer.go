// Package webrtc carries tunnel frames over a WebRTC data channel as an
// alternative to WebSocket. The gateway answers browser offers; it never
// initiates.
package webrtc

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// STUN servers for ICE candidate gathering. The gateway is expected to be
// directly reachable, so no TURN relay is configured.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Peer wraps a PeerConnection with one pre-negotiated data channel that
// carries the tunnel frame stream.
type Peer struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel
}

// NewPeer creates a PeerConnection and its tunnel channel. Using
// negotiated mode (ID 0) lets both sides create the channel independently
// without relying on OnDataChannel. The channel is ordered: the frame
// stream multiplexes TCP byte streams whose ordering must survive the
// carrier.
func NewPeer() (*Peer, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	ordered := true
	negotiated := true
	id := uint16(0)
	dc, err := pc.CreateDataChannel("tunnel", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	return &Peer{pc: pc, dc: dc}, nil
}

// HandleOffer applies a remote SDP offer and returns the local answer
// after ICE gathering completes. Waiting for gathering keeps signaling to
// a single request/response round trip with no trickle channel.
func (p *Peer) HandleOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
	return *p.pc.LocalDescription(), nil
}

// OnConnectionStateChange proxies the underlying callback registration.
func (p *Peer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

// Conn returns the data channel wrapped as a frame carrier.
func (p *Peer) Conn() *DCConn {
	return NewDCConn(p.dc)
}

// Close shuts down the data channel and peer connection.
func (p *Peer) Close() error {
	p.dc.Close()
	return p.pc.Close()
}
