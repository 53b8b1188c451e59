// Package ratelimit implements a sliding-window rate limiter backed by a
// shared redis store so limits hold across service instances.
package ratelimit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"edbase/crypto"
	"edbase/observability"
)

// Scope names used in limiter keys and metrics.
const (
	ScopeIP      = "ip"
	ScopeUser    = "user"
	ScopeLogin   = "login"
	ScopePayment = "payment"
)

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
	FailedOpen bool
}

// Limiter evaluates sliding-window limits against redis. When redis is
// unreachable the limiter fails open: the request is allowed and the
// incident is logged and counted. Availability wins over strict limiting.
type Limiter struct {
	rdb   redis.Cmdable
	log   *slog.Logger
	nowFn func() time.Time
}

// New constructs a limiter over an established redis client.
func New(rdb redis.Cmdable, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{rdb: rdb, log: log, nowFn: time.Now}
}

// Allow records one request under key and reports whether it fits within
// limit requests per window. The window slides: expired entries are pruned
// on every check.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) Decision {
	now := l.nowFn()
	nowSec := float64(now.UnixNano()) / float64(time.Second)
	windowSec := window.Seconds()

	member := memberID(now)
	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", formatScore(nowSec-windowSec))
	pipe.ZAdd(ctx, key, redis.Z{Score: nowSec, Member: member})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window+10*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return l.failOpen(ctx, key, err)
	}

	count := card.Val()
	if count <= int64(limit) {
		return Decision{Allowed: true, Count: count}
	}

	retryAfter := window
	oldest, err := l.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return l.failOpen(ctx, key, err)
	}
	if len(oldest) > 0 {
		elapsed := nowSec - oldest[0].Score
		remaining := windowSec - elapsed
		if remaining < 0 {
			remaining = 0
		}
		retryAfter = time.Duration(remaining)*time.Second + time.Second
	}
	return Decision{Allowed: false, Count: count, RetryAfter: retryAfter}
}

func (l *Limiter) failOpen(ctx context.Context, key string, err error) Decision {
	l.log.WarnContext(ctx, "rate limit store unavailable, failing open",
		"key", key, "error", err)
	observability.Security().RecordRateLimitFailOpen()
	return Decision{Allowed: true, FailedOpen: true}
}

// Health pings the redis store.
func (l *Limiter) Health(ctx context.Context) bool {
	return l.rdb.Ping(ctx).Err() == nil
}

// Fingerprint derives a stable client identifier from the request origin.
// The full IP and user agent never appear in limiter keys, only a truncated
// hash.
func Fingerprint(ip, userAgent, clientHint string) string {
	seed := strings.Join([]string{ip, userAgent, clientHint}, "|")
	return crypto.SHA256Hex([]byte(seed))[:16]
}

// IPKey builds the limiter key for an anonymous client in a scope.
func IPKey(fingerprint, scope string) string {
	return "ratelimit:ip:" + fingerprint + ":" + scope
}

// UserKey builds the limiter key for an authenticated user in a scope.
func UserKey(userID, scope string) string {
	return "ratelimit:user:" + userID + ":" + scope
}

func memberID(now time.Time) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", now.UnixNano())
	}
	return fmt.Sprintf("%d-%s", now.UnixNano(), hex.EncodeToString(buf))
}

func formatScore(v float64) string {
	return fmt.Sprintf("%f", v)
}
