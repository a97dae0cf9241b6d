package auth

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func mustSessionCookie(t *testing.T, claims Claims) string {
	t.Helper()
	tok, err := SignSessionCookie(claims, testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestDecodeCanonicalBase64URL(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		valid bool
	}{
		{"plain", "aGVsbG8", true},
		{"empty", "", false},
		{"mod4 residue 1", "aGVsbG8xx", false},
		{"padded", "aGVsbG8=", false},
		{"standard alphabet plus", "a+b", false},
		{"standard alphabet slash", "a/b", false},
		{"whitespace", "aGVs bG8", false},
		{"canonical trailing bits", "_w", true},
		{"noncanonical trailing bits", "__", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeCanonicalBase64URL(tc.in, 64)
			if tc.valid && err != nil {
				t.Fatalf("DecodeCanonicalBase64URL(%q) = %v, want nil", tc.in, err)
			}
			if !tc.valid && !errors.Is(err, ErrBadEncoding) {
				t.Fatalf("DecodeCanonicalBase64URL(%q) = %v, want ErrBadEncoding", tc.in, err)
			}
		})
	}
}

func TestDecodeCanonicalBase64URLLengthCap(t *testing.T) {
	in := strings.Repeat("A", 44)
	if _, err := DecodeCanonicalBase64URL(in, 43); !errors.Is(err, ErrBadEncoding) {
		t.Fatalf("over-cap input accepted: %v", err)
	}
}

func TestSessionCookieRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	claims := NewSessionClaims("alice", "s-1", "tunnel", now, time.Hour)
	tok := mustSessionCookie(t, claims)

	got, err := VerifySessionCookie(tok, testSecret, now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != claims {
		t.Fatalf("claims = %+v, want %+v", got, claims)
	}
}

func TestSessionCookieExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok := mustSessionCookie(t, NewSessionClaims("alice", "s-1", "", now, time.Hour))

	if _, err := VerifySessionCookie(tok, testSecret, now.Add(2*time.Hour)); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
	// Expiry boundary is inclusive.
	if _, err := VerifySessionCookie(tok, testSecret, now.Add(time.Hour)); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("boundary err = %v, want ErrTokenExpired", err)
	}
}

func TestSessionCookieWrongSecret(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok := mustSessionCookie(t, NewSessionClaims("alice", "s-1", "", now, time.Hour))

	if _, err := VerifySessionCookie(tok, []byte("other-secret"), now); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestSessionCookieStructure(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok := mustSessionCookie(t, NewSessionClaims("alice", "s-1", "", now, time.Hour))

	cases := []struct {
		name string
		in   string
	}{
		{"no separator", strings.ReplaceAll(tok, ".", "")},
		{"extra separator", tok + ".extra"},
		{"empty payload", tok[strings.IndexByte(tok, '.'):]},
		{"short signature", tok[:len(tok)-1]},
		{"long signature", tok + "A"},
		{"empty", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := VerifySessionCookie(tc.in, testSecret, now); !errors.Is(err, ErrTokenInvalid) {
				t.Fatalf("err = %v, want ErrTokenInvalid", err)
			}
		})
	}
}

// A payload that is not even JSON must be rejected for its signature
// before the decoder ever sees it.
func TestSessionCookieGarbagePayloadFailsOnSignature(t *testing.T) {
	garbage := base64.RawURLEncoding.EncodeToString([]byte("{not json"))
	tok := garbage + "." + strings.Repeat("A", 43)

	_, err := VerifySessionCookie(tok, testSecret, time.Now())
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
	if !strings.Contains(err.Error(), "signature") {
		t.Fatalf("err = %v, expected signature failure before parsing", err)
	}
}

// Non-canonical payload text is refused on encoding grounds before any
// HMAC is computed, even when paired with a well-formed signature segment.
func TestSessionCookieNonCanonicalPayloadRejectedBeforeSignature(t *testing.T) {
	for _, payloadB64 := range []string{
		"ab=cd",          // padding character
		"ab!cd!",         // outside the alphabet
		"e31",            // non-zero trailing bits
		"e30" + "é", // multibyte character
	} {
		tok := payloadB64 + "." + strings.Repeat("A", 43)
		_, err := VerifySessionCookie(tok, testSecret, time.Now())
		if !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("payload %q: err = %v, want ErrTokenInvalid", payloadB64, err)
		}
		if strings.Contains(err.Error(), "signature") {
			t.Fatalf("payload %q: err = %v, expected encoding rejection before the signature check", payloadB64, err)
		}
	}
}

func TestClaimsTokenNonCanonicalSegmentsRejectedBeforeSignature(t *testing.T) {
	sig := strings.Repeat("A", 43)
	for _, tok := range []string{
		"e30=.e30." + sig, // padded header
		"e30.e3!." + sig, // payload outside the alphabet
		"e30.e31." + sig, // payload with non-zero trailing bits
	} {
		_, err := VerifyClaimsToken(tok, testSecret, time.Now().Unix())
		if !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("token %q: err = %v, want ErrTokenInvalid", tok, err)
		}
		if strings.Contains(err.Error(), "signature") {
			t.Fatalf("token %q: err = %v, expected encoding rejection before the signature check", tok, err)
		}
	}
}

// A correctly signed but structurally invalid payload is rejected at
// parse time, after the signature check passes.
func TestSessionCookieSignedGarbagePayload(t *testing.T) {
	payloadB64 := base64.RawURLEncoding.EncodeToString([]byte("{not json"))
	sig := signHS256([]byte(payloadB64), testSecret)
	tok := payloadB64 + "." + base64.RawURLEncoding.EncodeToString(sig)

	_, err := VerifySessionCookie(tok, testSecret, time.Now())
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
	if !strings.Contains(err.Error(), "claims") {
		t.Fatalf("err = %v, expected claims parse failure", err)
	}
}

func TestClaimsTokenRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	claims := NewSessionClaims("bob", "s-2", "tunnel admin", now, time.Hour)

	tok, err := SignClaimsToken(claims, testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	got, err := VerifyClaimsToken(tok, testSecret, now.Unix())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != claims {
		t.Fatalf("claims = %+v, want %+v", got, claims)
	}
	if !got.HasScope("admin") || got.HasScope("root") {
		t.Fatalf("scope parsing wrong: %+v", got)
	}
}

func TestClaimsTokenStructure(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok, err := SignClaimsToken(NewSessionClaims("bob", "s-2", "", now, time.Hour), testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cases := []struct {
		name string
		in   string
	}{
		{"one separator", tok[strings.IndexByte(tok, '.')+1:]},
		{"three separators", tok + ".extra"},
		{"padded signature", tok + "="},
		{"empty", ""},
		{"oversize", strings.Repeat("A", maxClaimsTokenLen+1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := VerifyClaimsToken(tc.in, testSecret, now.Unix()); !errors.Is(err, ErrTokenInvalid) {
				t.Fatalf("err = %v, want ErrTokenInvalid", err)
			}
		})
	}
}

func TestClaimsTokenRejectsNonHS256Header(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	headerB64 := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payloadB64 := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"bob"}`))
	signed := headerB64 + "." + payloadB64
	sig := signHS256([]byte(signed), testSecret)
	tok := signed + "." + base64.RawURLEncoding.EncodeToString(sig)

	_, err := VerifyClaimsToken(tok, testSecret, now.Unix())
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
	if !strings.Contains(err.Error(), "algorithm") {
		t.Fatalf("err = %v, expected algorithm rejection", err)
	}
}

func TestClaimsTokenExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok, err := SignClaimsToken(NewSessionClaims("bob", "s-2", "", now, time.Minute), testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := VerifyClaimsToken(tok, testSecret, now.Add(2*time.Minute).Unix()); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
}
