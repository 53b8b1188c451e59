package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"edbase/audit"
	"edbase/crypto"
	"edbase/idempotency"
	"edbase/observability"
	"edbase/ratelimit"
	"edbase/storage"
	"edbase/team"
)

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// requestID accepts a well-formed client X-Request-ID or generates one, binds
// it to the context, and echoes it on the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if !requestIDPattern.MatchString(id) {
			id = crypto.NewRequestID(time.Now())
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		next.ServeHTTP(w, r)
	})
}

// recoverer converts panics into the standard 500 envelope instead of a
// dropped connection.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.ErrorContext(r.Context(), "handler panic",
					"method", r.Method, "path", r.URL.Path,
					"request_id", RequestIDFrom(r.Context()), "panic", rec)
				writeAPIError(w, r, &apiError{
					Status: http.StatusInternalServerError,
					Code:   CodeInternal, Message: "internal error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// observe records request count and latency per chi route pattern.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		observability.HTTPMetrics().Observe(route, r.Method, ww.Status(), time.Since(start))
	})
}

// rateLimit enforces the given scope's budget. Authenticated requests are
// keyed by user id, anonymous ones by a client fingerprint. A rejected
// request is audited on a best-effort basis.
func (s *Server) rateLimit(scope string, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			var key string
			if p := PrincipalFrom(ctx); p != nil {
				key = ratelimit.UserKey(p.UserID, scope)
			} else {
				fp := ratelimit.Fingerprint(clientIP(r), r.UserAgent(), r.Header.Get("X-Client-Fingerprint"))
				key = ratelimit.IPKey(fp, scope)
			}

			decision := s.limiter.Allow(ctx, key, limit, s.limitWindow)
			if decision.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			observability.Security().RecordRateLimitHit(scope)
			if _, err := s.recorder.Append(ctx, s.db, audit.RateLimitHit(scope, key, clientIP(r))); err != nil {
				s.log.ErrorContext(ctx, "audit rate limit hit failed", "error", err)
			}
			writeAPIError(w, r, &apiError{
				Status: http.StatusTooManyRequests, Code: CodeRateLimited,
				Message:    "rate limit exceeded",
				RetryAfter: decision.RetryAfter,
				Details:    map[string]any{"retry_after": int(decision.RetryAfter.Round(time.Second).Seconds())},
			})
		})
	}
}

// clientIP strips the port from RemoteAddr. RealIP may have already replaced
// it with a bare address, IPv6 included, so a failed split returns the value
// untouched.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// authenticate resolves the bearer token to a live session.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeAPIError(w, r, &apiError{
				Status: http.StatusUnauthorized, Code: CodeAuthRequired,
				Message: "authentication required",
			})
			return
		}
		sess, err := s.sessions.Validate(r.Context(), token)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		p := &Principal{UserID: sess.UserID, Session: sess}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

func bearerToken(header string) string {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// teamScope resolves the request's team and enforces a minimum role. The
// team id comes from the URL, the query string, or the JSON body; the body
// is restored for the handler.
func (s *Server) teamScope(min team.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			teamID, restore, err := extractTeamID(r)
			if err != nil {
				writeAPIError(w, r, badRequest("malformed request body"))
				return
			}
			if restore != nil {
				r.Body = restore
			}
			if teamID == "" {
				writeAPIError(w, r, &apiError{
					Status: http.StatusBadRequest, Code: CodeTeamRequired,
					Message: "team id is required",
					Details: map[string]any{"field": "team_id"},
				})
				return
			}

			p := PrincipalFrom(r.Context())
			authz, err := s.teams.Require(r.Context(), p.UserID, teamID, min)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withTeam(r.Context(), authz)))
		})
	}
}

func extractTeamID(r *http.Request) (string, io.ReadCloser, error) {
	if id := chi.URLParam(r, "teamID"); id != "" {
		return id, nil, nil
	}
	if id := r.URL.Query().Get("team_id"); id != "" {
		return id, nil, nil
	}
	if r.Body == nil || r.ContentLength == 0 {
		return "", nil, nil
	}
	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err != nil {
		return "", nil, err
	}
	restore := io.NopCloser(bytes.NewReader(raw))
	var probe struct {
		TeamID string `json:"team_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", restore, err
	}
	return probe.TeamID, restore, nil
}

// handlerError carries a non-2xx handler response out of an idempotent run
// so the key is released for retry while the client still sees the response.
type handlerError struct {
	status int
	header http.Header
	body   []byte
}

func (e *handlerError) Error() string {
	return fmt.Sprintf("handler returned status %d", e.status)
}

type responseRecorder struct {
	status int
	header http.Header
	buf    bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{status: http.StatusOK, header: make(http.Header)}
}

func (r *responseRecorder) Header() http.Header         { return r.header }
func (r *responseRecorder) WriteHeader(status int)      { r.status = status }
func (r *responseRecorder) Write(b []byte) (int, error) { return r.buf.Write(b) }

// idempotent wraps a handler in the exactly-once protocol. Replays return
// the cached response with an Idempotent-Replay header; only 2xx responses
// are cached, anything else releases the key for retry.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		p := PrincipalFrom(ctx)

		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" {
			writeAPIError(w, r, &apiError{
				Status: http.StatusBadRequest, Code: CodeValidation,
				Message: "Idempotency-Key header is required",
				Details: map[string]any{"field": "Idempotency-Key"},
			})
			return
		}
		if err := idempotency.ValidateKey(key); err != nil {
			writeAPIError(w, r, &apiError{
				Status: http.StatusBadRequest, Code: CodeValidation,
				Message: err.Error(),
				Details: map[string]any{"field": "Idempotency-Key"},
			})
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeAPIError(w, r, badRequest("request body too large or unreadable"))
			return
		}
		hash, err := crypto.RequestHash(body, nil)
		if err != nil {
			s.respondError(w, r, err)
			return
		}

		res, err := s.idem.Run(ctx, p.UserID, key, hash, func(runCtx context.Context, q storage.Querier) (int, []byte, error) {
			rec := newResponseRecorder()
			req := r.Clone(withTxQuerier(runCtx, q))
			req.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(rec, req)
			if rec.status >= 200 && rec.status < 300 {
				return rec.status, rec.buf.Bytes(), nil
			}
			return 0, nil, &handlerError{status: rec.status, header: rec.header, body: rec.buf.Bytes()}
		})
		if err != nil {
			var hErr *handlerError
			if errors.As(err, &hErr) {
				for k, vals := range hErr.header {
					for _, v := range vals {
						w.Header().Add(k, v)
					}
				}
				writeRaw(w, hErr.status, hErr.body)
				return
			}
			s.respondError(w, r, err)
			return
		}
		if res.Replay {
			w.Header().Set("Idempotent-Replay", "true")
		}
		writeRaw(w, res.StatusCode, res.Response)
	})
}
