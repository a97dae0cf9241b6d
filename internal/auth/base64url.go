// Package auth validates the bearer credentials that gate the tunnel: the
// signed session cookie and the signed claims token. Both are gated by a
// strict canonical base64url check and an HMAC-SHA-256 signature verified
// over the literal encoded text, in constant time, before any payload byte
// reaches a parser. Unauthenticated input never reaches a JSON decoder.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
)

var ErrBadEncoding = errors.New("non-canonical base64url")

// checkCanonicalBase64URL validates s as the unique minimal unpadded
// base64url encoding of some byte string, without allocating or decoding.
// It rejects inputs that are empty, longer than maxLen, of length ≡ 1
// (mod 4), contain characters outside [A-Za-z0-9_-], or carry non-zero
// unused trailing bits in the final character.
func checkCanonicalBase64URL(s string, maxLen int) error {
	if len(s) == 0 || len(s) > maxLen {
		return fmt.Errorf("%w: length %d (max %d)", ErrBadEncoding, len(s), maxLen)
	}
	if len(s)%4 == 1 {
		return fmt.Errorf("%w: impossible length %d", ErrBadEncoding, len(s))
	}
	for i := 0; i < len(s); i++ {
		if base64URLValue(s[i]) < 0 {
			return fmt.Errorf("%w: disallowed character at offset %d", ErrBadEncoding, i)
		}
	}
	// A trailing group of 2 chars encodes 1 byte and leaves 4 unused bits;
	// a group of 3 encodes 2 bytes and leaves 2. Canonical encodings zero
	// them.
	var unusedMask int
	switch len(s) % 4 {
	case 2:
		unusedMask = 0x0f
	case 3:
		unusedMask = 0x03
	}
	if unusedMask != 0 && base64URLValue(s[len(s)-1])&unusedMask != 0 {
		return fmt.Errorf("%w: non-zero trailing bits", ErrBadEncoding)
	}
	return nil
}

// DecodeCanonicalBase64URL decodes s as unpadded base64url, accepting only
// the unique minimal encoding of the decoded bytes.
func DecodeCanonicalBase64URL(s string, maxLen int) ([]byte, error) {
	if err := checkCanonicalBase64URL(s, maxLen); err != nil {
		return nil, err
	}
	decoded, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEncoding, err)
	}
	return decoded, nil
}

// base64URLValue returns the 6-bit value of c in the base64url alphabet,
// or -1 when c is outside it.
func base64URLValue(c byte) int {
	switch {
	case c >= 'A' && c <= 'Z':
		return int(c - 'A')
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 26
	case c >= '0' && c <= '9':
		return int(c-'0') + 52
	case c == '-':
		return 62
	case c == '_':
		return 63
	default:
		return -1
	}
}
