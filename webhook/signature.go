// Package webhook verifies, deduplicates, and dispatches inbound provider
// webhooks. A webhook id is processed at most once per provider; the dedup
// record and the handler's writes commit in one transaction.
package webhook

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"edbase/crypto"
)

var (
	// ErrSigFormat reports an unparseable signature header.
	ErrSigFormat = errors.New("webhook: malformed signature header")
	// ErrSigExpired reports a signature timestamp outside the tolerance
	// window. Replaying captured deliveries is the attack this blocks.
	ErrSigExpired = errors.New("webhook: signature timestamp outside tolerance")
	// ErrSigMismatch reports that no signature candidate verified.
	ErrSigMismatch = errors.New("webhook: signature mismatch")
)

// VerifySignature checks a Stripe-format signature header:
//
//	t=<unix>,v1=<hex>[,v1=<hex>...]
//
// The signed message is "<t>.<payload>" so the timestamp cannot be swapped
// under an old signature. Multiple v1 candidates are accepted to allow
// secret rotation; any single match passes.
func VerifySignature(secret, header string, payload []byte, now time.Time, tolerance time.Duration) error {
	var (
		timestamp  int64
		haveT      bool
		candidates []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return ErrSigFormat
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return ErrSigFormat
			}
			timestamp = parsed
			haveT = true
		case "v1":
			candidates = append(candidates, value)
		}
	}
	if !haveT || len(candidates) == 0 {
		return ErrSigFormat
	}

	age := now.Unix() - timestamp
	if age < 0 {
		age = -age
	}
	if age > int64(tolerance.Seconds()) {
		return ErrSigExpired
	}

	message := fmt.Sprintf("%d.%s", timestamp, payload)
	expected := crypto.HMACSign(secret, []byte(message))
	for _, candidate := range candidates {
		if crypto.ConstantTimeEquals(expected, candidate) {
			return nil
		}
	}
	return ErrSigMismatch
}

// SignPayload produces a signature header for a payload, used by tests and
// by outbound delivery tooling.
func SignPayload(secret string, payload []byte, at time.Time) string {
	t := at.Unix()
	sig := crypto.HMACSign(secret, []byte(fmt.Sprintf("%d.%s", t, payload)))
	return fmt.Sprintf("t=%d,v1=%s", t, sig)
}
