// Package server is the browser-facing HTTP surface: health, the
// WebSocket tunnel endpoint, and WebRTC offer exchange. Authentication
// and origin checks run before any upgrade.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	pionwebrtc "github.com/pion/webrtc/v4"

	"github.com/muxgate/muxgate/internal/auth"
	"github.com/muxgate/muxgate/internal/config"
	"github.com/muxgate/muxgate/internal/policy"
	"github.com/muxgate/muxgate/internal/protocol"
	"github.com/muxgate/muxgate/internal/transport"
	"github.com/muxgate/muxgate/internal/tunnel"
	"github.com/muxgate/muxgate/internal/util"
	"github.com/muxgate/muxgate/internal/webrtc"
)

// SessionCookieName is the cookie checked for a session token.
const SessionCookieName = "muxgate_session"

const offerExchangeTimeout = 10 * time.Second

var errNoToken = errors.New("no credential presented")

// Server serves the gateway endpoints and tracks the live session count.
type Server struct {
	cfg      config.Config
	secret   []byte
	store    *policy.Store
	upgrader websocket.Upgrader

	sessions atomic.Int64
}

// New builds a Server around a resolved configuration and a live policy
// store. The frame payload cap is defaulted here because it feeds the
// websocket read limit before the tunnel session applies its own
// defaults.
func New(cfg config.Config, store *policy.Store) *Server {
	if cfg.MaxFramePayloadBytes <= 0 {
		cfg.MaxFramePayloadBytes = protocol.DefaultMaxPayloadSize
	}
	s := &Server{
		cfg:    cfg,
		secret: []byte(cfg.TokenSecret),
		store:  store,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/tunnel", s.handleTunnel)
	mux.HandleFunc("/webrtc/offer", s.handleOffer)
	return mux
}

// ListenAndServe blocks until ctx is cancelled, then drains with a
// graceful shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	util.LogInfo("listening on %s", s.cfg.ListenAddr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Load(),
	})
}

// checkOrigin admits requests with no Origin header (non-browser
// clients), any origin when the allow list contains "*", and otherwise
// only normalized scheme://host matches against the allow list.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	got, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" {
			return true
		}
		if want, ok := normalizeOrigin(allowed); ok && want == got {
			return true
		}
	}
	return false
}

func normalizeOrigin(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}

// authenticate resolves the caller's claims. The session cookie is tried
// first, then a bearer token from the Authorization header or the token
// query parameter.
func (s *Server) authenticate(r *http.Request) (auth.Claims, error) {
	if s.cfg.AuthMode == config.AuthModeNone {
		return auth.Claims{}, nil
	}

	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return auth.VerifySessionCookie(c.Value, s.secret, time.Now())
	}

	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	} else if q := r.URL.Query().Get("token"); q != "" {
		token = q
	}
	if token == "" {
		return auth.Claims{}, errNoToken
	}
	return auth.VerifyClaimsToken(token, s.secret, time.Now().Unix())
}

// gate runs the origin, auth, and quota checks shared by both attach
// endpoints. It writes the HTTP error itself and reports success.
func (s *Server) gate(w http.ResponseWriter, r *http.Request) bool {
	if !s.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return false
	}
	if _, err := s.authenticate(r); err != nil {
		if errors.Is(err, errNoToken) {
			http.Error(w, "authentication required", http.StatusUnauthorized)
		} else {
			util.LogDebug("rejected credential from %s: %v", r.RemoteAddr, err)
			http.Error(w, "invalid credential", http.StatusForbidden)
		}
		return false
	}
	return true
}

// acquireSession reserves a session slot, or reports exhaustion.
func (s *Server) acquireSession(w http.ResponseWriter) bool {
	if n := s.sessions.Add(1); s.cfg.MaxSessions > 0 && n > int64(s.cfg.MaxSessions) {
		s.sessions.Add(-1)
		http.Error(w, "session limit reached", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (s *Server) releaseSession() {
	s.sessions.Add(-1)
}

func (s *Server) tunnelConfig() tunnel.Config {
	return tunnel.Config{
		Policy:                   s.store,
		MaxFramePayload:          s.cfg.MaxFramePayloadBytes,
		MessagesPerSecond:        s.cfg.MaxMessagesPerSecond,
		HardCloseAfterViolations: s.cfg.HardCloseAfterViolations,
		DialTimeout:              s.cfg.DialTimeout,
		IDQuiescenceDelay:        s.cfg.IDQuiescenceDelay,
		UDPIdleTimeout:           s.cfg.UDPBindingIdleTimeout,
	}
}

// handleTunnel upgrades to WebSocket and runs a tunnel session on it.
// Every check happens before the upgrade so failures stay plain HTTP.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, r) {
		return
	}
	if !s.acquireSession(w) {
		return
	}
	defer s.releaseSession()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // upgrader already replied
	}

	maxFrame := int64(s.cfg.MaxFramePayloadBytes + protocol.FrameHeaderSize)
	conn := transport.NewWSConn(ws, maxFrame)
	util.LogInfo("session attached from %s", r.RemoteAddr)

	sess := tunnel.NewSession(conn, s.tunnelConfig())
	err = sess.Run(r.Context())
	util.LogInfo("session from %s ended: %v", r.RemoteAddr, err)
}

// handleOffer answers a WebRTC offer and runs a tunnel session on the
// resulting data channel.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.gate(w, r) {
		return
	}

	var offer pionwebrtc.SessionDescription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&offer); err != nil {
		http.Error(w, "malformed offer", http.StatusBadRequest)
		return
	}
	if !s.acquireSession(w) {
		return
	}

	peer, err := webrtc.NewPeer()
	if err != nil {
		s.releaseSession()
		util.LogError("peer setup failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	conn := peer.Conn()

	// A peer that fails ICE or goes away without a clean data channel
	// close would otherwise leave the session goroutine blocked in
	// ReadFrame and the quota slot held forever.
	peer.OnConnectionStateChange(func(state pionwebrtc.PeerConnectionState) {
		switch state {
		case pionwebrtc.PeerConnectionStateDisconnected,
			pionwebrtc.PeerConnectionStateFailed,
			pionwebrtc.PeerConnectionStateClosed:
			conn.Close()
		}
	})

	offerCtx, cancel := context.WithTimeout(r.Context(), offerExchangeTimeout)
	answer, err := peer.HandleOffer(offerCtx, offer)
	cancel()
	if err != nil {
		peer.Close()
		s.releaseSession()
		util.LogDebug("offer from %s failed: %v", r.RemoteAddr, err)
		http.Error(w, "offer rejected", http.StatusBadRequest)
		return
	}

	// The session outlives this request; it ends when the peer
	// connection does.
	go func() {
		defer s.releaseSession()
		defer peer.Close()

		select {
		case <-conn.Ready():
		case <-conn.Done():
			util.LogDebug("peer connection for %s died before the data channel opened", r.RemoteAddr)
			return
		case <-time.After(30 * time.Second):
			util.LogDebug("data channel never opened for %s", r.RemoteAddr)
			return
		}
		util.LogInfo("webrtc session attached from %s", r.RemoteAddr)
		sess := tunnel.NewSession(conn, s.tunnelConfig())
		err := sess.Run(context.Background())
		util.LogInfo("webrtc session from %s ended: %v", r.RemoteAddr, err)
	}()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(answer)
}
