package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HMACSign returns the lowercase hex HMAC-SHA256 of data under secret.
func HMACSign(secret string, data []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// HMACVerify reports whether sig is the HMAC-SHA256 of data under secret.
// Comparison is constant time.
func HMACVerify(secret string, data []byte, sig string) bool {
	expected, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), expected)
}

// ConstantTimeEquals compares two strings without leaking the position of the
// first difference.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// TokenHash derives the storage key for a bearer token. Raw tokens are never
// persisted; a database leak yields only hashes.
func TokenHash(token string) string {
	return SHA256Hex([]byte(token))
}

// RequestHash fingerprints a request body, optionally bound to a set of
// headers. Headers are canonicalized as compact JSON with sorted keys so the
// same logical request always produces the same hash.
func RequestHash(body []byte, headers map[string]string) (string, error) {
	if len(headers) == 0 {
		return SHA256Hex(body), nil
	}
	canonical, err := CanonicalJSON(headers)
	if err != nil {
		return "", fmt.Errorf("canonicalize headers: %w", err)
	}
	data := make([]byte, 0, len(body)+1+len(canonical))
	data = append(data, body...)
	data = append(data, '|')
	data = append(data, canonical...)
	return SHA256Hex(data), nil
}

// CanonicalJSON encodes v as compact JSON with object keys sorted. Map keys
// are sorted by encoding/json; the caller is responsible for passing map-based
// values when ordering matters.
func CanonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// NewIdempotencyKey returns a fresh 256-bit idempotency key in URL-safe
// base64 without padding.
func NewIdempotencyKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewOpaqueToken returns a fresh 256-bit bearer secret in URL-safe base64
// without padding, used for refresh tokens.
func NewOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewRequestID returns a sortable request identifier of the form
// req_<YYYYMMDDHHMMSS>_<16 hex chars>.
func NewRequestID(now time.Time) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// rand.Read only fails when the OS entropy source is broken; fall
		// back to a timestamp-only identifier rather than aborting requests.
		return "req_" + now.UTC().Format("20060102150405") + "_0000000000000000"
	}
	return "req_" + now.UTC().Format("20060102150405") + "_" + hex.EncodeToString(buf)
}
