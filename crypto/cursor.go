package crypto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCursorInvalid is returned when a pagination cursor is malformed or its
// signature does not verify.
var ErrCursorInvalid = errors.New("invalid pagination cursor")

type signedCursor struct {
	Data map[string]any `json:"data"`
	Sig  string         `json:"sig"`
}

// SignCursor produces a tamper-evident pagination cursor: URL-safe base64 of
// a JSON envelope holding the cursor data and an HMAC over its canonical form.
func SignCursor(secret string, data map[string]any) (string, error) {
	canonical, err := CanonicalJSON(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize cursor: %w", err)
	}
	envelope := signedCursor{Data: data, Sig: HMACSign(secret, canonical)}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// VerifyCursor decodes a cursor produced by SignCursor and returns its data.
// Any decoding or signature failure yields ErrCursorInvalid; callers treat a
// bad cursor as a client error, never a server fault.
func VerifyCursor(secret, cursor string) (map[string]any, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, ErrCursorInvalid
	}
	var envelope signedCursor
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, ErrCursorInvalid
	}
	canonical, err := CanonicalJSON(envelope.Data)
	if err != nil {
		return nil, ErrCursorInvalid
	}
	if !HMACVerify(secret, canonical, envelope.Sig) {
		return nil, ErrCursorInvalid
	}
	return envelope.Data, nil
}
