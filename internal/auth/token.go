package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Size caps, checked before any decoding work happens.
const (
	// sigB64URLLen is the canonical unpadded base64url length of an
	// HMAC-SHA-256 output (32 bytes -> 43 chars).
	sigB64URLLen = 43

	maxHeaderB64URLLen  = 4 * 1024
	maxPayloadB64URLLen = 16 * 1024

	maxClaimsTokenLen = maxHeaderB64URLLen + 1 + maxPayloadB64URLLen + 1 + sigB64URLLen
)

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Claims are the structured assertions carried by a verified credential.
// They are only ever populated from a payload whose signature has already
// been verified.
type Claims struct {
	Subject   string `json:"sub,omitempty"`
	SessionID string `json:"sid,omitempty"`
	Scope     string `json:"scope,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// HasScope reports whether the space-separated scope list contains want.
func (c Claims) HasScope(want string) bool {
	for _, s := range strings.Fields(c.Scope) {
		if s == want {
			return true
		}
	}
	return false
}

// VerifySessionCookie validates a `<payload_b64url>.<sig_b64url>` session
// cookie. The signature is an HMAC-SHA-256 over the literal payload text
// (not the decoded bytes), compared in constant time; the payload is only
// decoded and parsed after the signature checks out, so unauthenticated
// input never reaches the JSON decoder.
func VerifySessionCookie(token string, secret []byte, now time.Time) (Claims, error) {
	payloadB64, sigB64, found := strings.Cut(token, ".")
	if !found || strings.Contains(sigB64, ".") {
		return Claims{}, fmt.Errorf("%w: expected exactly one separator", ErrTokenInvalid)
	}
	if len(payloadB64) == 0 || len(payloadB64) > maxPayloadB64URLLen {
		return Claims{}, fmt.Errorf("%w: payload length out of bounds", ErrTokenInvalid)
	}
	if len(sigB64) != sigB64URLLen {
		return Claims{}, fmt.Errorf("%w: signature length %d (want %d)", ErrTokenInvalid, len(sigB64), sigB64URLLen)
	}

	// Non-canonical encodings are refused before any HMAC is computed so
	// the MAC never runs over text that could not have been produced by
	// the signer.
	if err := checkCanonicalBase64URL(payloadB64, maxPayloadB64URLLen); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	sig, err := DecodeCanonicalBase64URL(sigB64, sigB64URLLen)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !hmac.Equal(sig, signHS256([]byte(payloadB64), secret)) {
		return Claims{}, fmt.Errorf("%w: signature mismatch", ErrTokenInvalid)
	}

	payload, err := DecodeCanonicalBase64URL(payloadB64, maxPayloadB64URLLen)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: payload is not valid claims", ErrTokenInvalid)
	}
	if claims.ExpiresAt != 0 && now.Unix() >= claims.ExpiresAt {
		return Claims{}, ErrTokenExpired
	}
	return claims, nil
}

// VerifyClaimsToken validates a `<header>.<payload>.<sig>` claims token
// with the same discipline as VerifySessionCookie: exactly two separators,
// per-segment length caps and canonical-encoding checks before any
// decoding, HMAC-SHA-256 over the literal `header.payload` text compared
// in constant time, and structural parsing only after signature success.
// The header must declare HS256.
func VerifyClaimsToken(token string, secret []byte, nowUnix int64) (Claims, error) {
	if len(token) == 0 || len(token) > maxClaimsTokenLen {
		return Claims{}, fmt.Errorf("%w: token length out of bounds", ErrTokenInvalid)
	}
	headerB64, rest, found := strings.Cut(token, ".")
	if !found {
		return Claims{}, fmt.Errorf("%w: expected exactly two separators", ErrTokenInvalid)
	}
	payloadB64, sigB64, found := strings.Cut(rest, ".")
	if !found || strings.Contains(sigB64, ".") {
		return Claims{}, fmt.Errorf("%w: expected exactly two separators", ErrTokenInvalid)
	}

	if len(headerB64) == 0 || len(headerB64) > maxHeaderB64URLLen {
		return Claims{}, fmt.Errorf("%w: header length out of bounds", ErrTokenInvalid)
	}
	if len(payloadB64) == 0 || len(payloadB64) > maxPayloadB64URLLen {
		return Claims{}, fmt.Errorf("%w: payload length out of bounds", ErrTokenInvalid)
	}
	if len(sigB64) != sigB64URLLen {
		return Claims{}, fmt.Errorf("%w: signature length %d (want %d)", ErrTokenInvalid, len(sigB64), sigB64URLLen)
	}

	if err := checkCanonicalBase64URL(headerB64, maxHeaderB64URLLen); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if err := checkCanonicalBase64URL(payloadB64, maxPayloadB64URLLen); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	sig, err := DecodeCanonicalBase64URL(sigB64, sigB64URLLen)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	signed := token[:len(headerB64)+1+len(payloadB64)]
	if !hmac.Equal(sig, signHS256([]byte(signed), secret)) {
		return Claims{}, fmt.Errorf("%w: signature mismatch", ErrTokenInvalid)
	}

	header, err := DecodeCanonicalBase64URL(headerB64, maxHeaderB64URLLen)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	var hdr struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(header, &hdr); err != nil {
		return Claims{}, fmt.Errorf("%w: header is not valid JSON", ErrTokenInvalid)
	}
	if hdr.Alg != "HS256" {
		return Claims{}, fmt.Errorf("%w: unsupported algorithm %q", ErrTokenInvalid, hdr.Alg)
	}

	payload, err := DecodeCanonicalBase64URL(payloadB64, maxPayloadB64URLLen)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: payload is not valid claims", ErrTokenInvalid)
	}
	if claims.ExpiresAt != 0 && nowUnix >= claims.ExpiresAt {
		return Claims{}, ErrTokenExpired
	}
	return claims, nil
}

func signHS256(data, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}
