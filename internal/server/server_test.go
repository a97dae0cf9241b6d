package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/muxgate/muxgate/internal/auth"
	"github.com/muxgate/muxgate/internal/config"
	"github.com/muxgate/muxgate/internal/policy"
	"github.com/muxgate/muxgate/internal/protocol"
)

var testSecret = "0123456789abcdef0123456789abcdef"

func newTestServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg := config.Config{
		AuthMode:    config.AuthModeBearer,
		TokenSecret: testSecret,
		MaxSessions: 16,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	store := policy.NewStore(policy.NewDevDestinationPolicy())
	srv := httptest.NewServer(New(cfg, store).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func mintToken(t *testing.T, ttl time.Duration) string {
	t.Helper()
	tok, err := auth.SignClaimsToken(
		auth.NewSessionClaims("tester", "s-1", "tunnel", time.Now(), ttl),
		[]byte(testSecret))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return tok
}

func dialTunnel(t *testing.T, srv *httptest.Server, query string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	d := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	return d.Dial(wsURL(srv, "/tunnel"+query), header)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestTunnelRequiresToken(t *testing.T) {
	srv := newTestServer(t, nil)
	_, resp, err := dialTunnel(t, srv, "", nil)
	if err == nil {
		t.Fatal("dial succeeded without credentials")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %v, want 401", resp)
	}
}

func TestTunnelRejectsBadToken(t *testing.T) {
	srv := newTestServer(t, nil)
	_, resp, err := dialTunnel(t, srv, "?token=not.a.token", nil)
	if err == nil {
		t.Fatal("dial succeeded with garbage token")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp = %v, want 403", resp)
	}
}

func TestTunnelRejectsExpiredToken(t *testing.T) {
	srv := newTestServer(t, nil)
	tok := mintToken(t, -time.Hour)
	_, resp, err := dialTunnel(t, srv, "?token="+tok, nil)
	if err == nil {
		t.Fatal("dial succeeded with expired token")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp = %v, want 403", resp)
	}
}

// A valid bearer token reaches a live session: a ping frame comes back as
// a pong.
func TestTunnelPingPong(t *testing.T) {
	srv := newTestServer(t, nil)
	header := http.Header{"Authorization": {"Bearer " + mintToken(t, time.Hour)}}
	ws, _, err := dialTunnel(t, srv, "", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	ping := protocol.EncodeFrame(&protocol.Frame{Type: protocol.FramePing, Payload: []byte("ka")})
	if err := ws.WriteMessage(websocket.BinaryMessage, ping); err != nil {
		t.Fatalf("write: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := protocol.DecodeFrame(raw, protocol.DefaultMaxPayloadSize)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Type != protocol.FramePong || string(f.Payload) != "ka" {
		t.Fatalf("got type=%d payload=%q, want pong", f.Type, f.Payload)
	}
}

// A config without an explicit frame cap must still accept frames larger
// than the bare header; the server defaults the cap rather than reading
// it as zero.
func TestTunnelDefaultFrameLimit(t *testing.T) {
	srv := newTestServer(t, nil)
	header := http.Header{"Authorization": {"Bearer " + mintToken(t, time.Hour)}}
	ws, _, err := dialTunnel(t, srv, "", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	payload := bytes.Repeat([]byte("k"), 4096)
	ping := protocol.EncodeFrame(&protocol.Frame{Type: protocol.FramePing, Payload: payload})
	if err := ws.WriteMessage(websocket.BinaryMessage, ping); err != nil {
		t.Fatalf("write: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := protocol.DecodeFrame(raw, protocol.DefaultMaxPayloadSize)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Type != protocol.FramePong || !bytes.Equal(f.Payload, payload) {
		t.Fatalf("got type=%d len=%d, want pong with %d bytes", f.Type, len(f.Payload), len(payload))
	}
}

func TestTunnelSessionCookie(t *testing.T) {
	srv := newTestServer(t, nil)
	cookie, err := auth.SignSessionCookie(
		auth.NewSessionClaims("tester", "s-2", "tunnel", time.Now(), time.Hour),
		[]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	header := http.Header{"Cookie": {SessionCookieName + "=" + cookie}}
	ws, _, err := dialTunnel(t, srv, "", header)
	if err != nil {
		t.Fatalf("dial with session cookie: %v", err)
	}
	ws.Close()
}

func TestTunnelAuthModeNone(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) {
		c.AuthMode = config.AuthModeNone
		c.TokenSecret = ""
	})
	ws, _, err := dialTunnel(t, srv, "", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ws.Close()
}

func TestOriginAllowList(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) {
		c.AuthMode = config.AuthModeNone
		c.TokenSecret = ""
		c.AllowedOrigins = []string{"https://app.example.com"}
	})

	// Listed origin passes (case-insensitive).
	ws, _, err := dialTunnel(t, srv, "", http.Header{"Origin": {"https://APP.example.com"}})
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	ws.Close()

	// Unlisted origin is refused before upgrade.
	_, resp, err := dialTunnel(t, srv, "", http.Header{"Origin": {"https://evil.example.com"}})
	if err == nil {
		t.Fatal("dial succeeded from unlisted origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp = %v, want 403", resp)
	}

	// Requests without an Origin header are non-browser clients.
	ws, _, err = dialTunnel(t, srv, "", nil)
	if err != nil {
		t.Fatalf("origin-less dial rejected: %v", err)
	}
	ws.Close()
}

func TestSessionQuota(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) {
		c.AuthMode = config.AuthModeNone
		c.TokenSecret = ""
		c.MaxSessions = 1
	})

	first, _, err := dialTunnel(t, srv, "", nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()

	_, resp, err := dialTunnel(t, srv, "", nil)
	if err == nil {
		t.Fatal("second dial exceeded quota")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp = %v, want 503", resp)
	}

	// Releasing the first slot frees capacity.
	first.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		ws, _, err := dialTunnel(t, srv, "", nil)
		if err == nil {
			ws.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("slot never released after session end")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestOfferRequiresPost(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) {
		c.AuthMode = config.AuthModeNone
		c.TokenSecret = ""
	})
	resp, err := http.Get(srv.URL + "/webrtc/offer")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestOfferRejectsMalformedBody(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) {
		c.AuthMode = config.AuthModeNone
		c.TokenSecret = ""
	})
	resp, err := http.Post(srv.URL+"/webrtc/offer", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
