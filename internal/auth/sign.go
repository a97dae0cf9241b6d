package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignSessionCookie mints a `<payload_b64url>.<sig_b64url>` session cookie
// for the given claims. The inverse of VerifySessionCookie.
func SignSessionCookie(claims Claims, secret []byte) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	sig := signHS256([]byte(payloadB64), secret)
	return payloadB64 + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// SignClaimsToken mints a standard HS256 claims token. Output verifies
// with VerifyClaimsToken.
func SignClaimsToken(claims Claims, secret []byte) (string, error) {
	mc := jwt.MapClaims{}
	if claims.Subject != "" {
		mc["sub"] = claims.Subject
	}
	if claims.SessionID != "" {
		mc["sid"] = claims.SessionID
	}
	if claims.Scope != "" {
		mc["scope"] = claims.Scope
	}
	if claims.IssuedAt != 0 {
		mc["iat"] = claims.IssuedAt
	}
	if claims.ExpiresAt != 0 {
		mc["exp"] = claims.ExpiresAt
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(secret)
}

// NewSessionClaims builds claims for a fresh session with the given
// lifetime.
func NewSessionClaims(subject, sessionID, scope string, now time.Time, ttl time.Duration) Claims {
	return Claims{
		Subject:   subject,
		SessionID: sessionID,
		Scope:     scope,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
}
