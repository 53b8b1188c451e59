// Package gateway is the HTTP surface: routing, middleware, and the mapping
// from engine errors to the wire error envelope.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"edbase/auth"
	"edbase/breaker"
	"edbase/idempotency"
	"edbase/payments"
	"edbase/session"
	"edbase/storage"
	"edbase/team"
)

// Error codes on the wire.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeTeamRequired        = "TEAM_REQUIRED"
	CodeAuthRequired        = "AUTH_REQUIRED"
	CodeSessionInvalid      = "SESSION_INVALID"
	CodeTeamAccessDenied    = "TEAM_ACCESS_DENIED"
	CodeRoleRequired        = "ROLE_REQUIRED"
	CodeNotFound            = "NOT_FOUND"
	CodeConflict            = "CONFLICT"
	CodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	CodeAccountLocked       = "ACCOUNT_LOCKED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInternal            = "INTERNAL_ERROR"
	CodeUnavailable         = "SERVICE_UNAVAILABLE"
)

// apiError is one mapped client-facing error.
type apiError struct {
	Status     int
	Code       string
	Message    string
	Details    map[string]any
	RetryAfter time.Duration
}

// detailWhitelist bounds what ever leaves through the details object. Any
// other key is dropped before encoding.
var detailWhitelist = map[string]bool{
	"field":         true,
	"retry_after":   true,
	"max_value":     true,
	"min_value":     true,
	"required_role": true,
	"locked_until":  true,
}

type errorEnvelope struct {
	Error     string         `json:"error"`
	Code      string         `json:"code"`
	RequestID string         `json:"request_id"`
	Details   map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeAPIError(w http.ResponseWriter, r *http.Request, apiErr *apiError) {
	details := apiErr.Details
	if details != nil {
		filtered := make(map[string]any, len(details))
		for k, v := range details {
			if detailWhitelist[k] {
				filtered[k] = v
			}
		}
		details = filtered
		if len(details) == 0 {
			details = nil
		}
	}
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(apiErr.RetryAfter.Round(time.Second).Seconds())))
	}
	writeJSON(w, apiErr.Status, errorEnvelope{
		Error:     apiErr.Message,
		Code:      apiErr.Code,
		RequestID: RequestIDFrom(r.Context()),
		Details:   details,
	})
}

func badRequest(message string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Code: CodeValidation, Message: message}
}

// mapError translates an engine error into its envelope. Anything unmapped
// is an internal error: the detail is logged, never sent to the client.
func mapError(err error) *apiError {
	var (
		locked     *auth.LockedError
		roleErr    *team.RoleError
		revoked    *session.RevokedError
		transition *payments.InvalidTransitionError
		open       breaker.ErrOpen
	)
	switch {
	case errors.As(err, &locked):
		return &apiError{
			Status: http.StatusLocked, Code: CodeAccountLocked,
			Message: "account temporarily locked",
			Details: map[string]any{"locked_until": locked.Until.UTC().Format(time.RFC3339)},
		}
	case errors.Is(err, auth.ErrInvalidCredentials):
		return &apiError{Status: http.StatusUnauthorized, Code: CodeAuthRequired, Message: "invalid credentials"}
	case errors.Is(err, auth.ErrWeakPassword):
		return &apiError{
			Status: http.StatusBadRequest, Code: CodeValidation,
			Message: "password too weak",
			Details: map[string]any{"field": "password", "min_value": 8},
		}
	case errors.As(err, &revoked):
		return &apiError{Status: http.StatusUnauthorized, Code: CodeSessionInvalid, Message: "session revoked"}
	case errors.Is(err, session.ErrExpired):
		return &apiError{Status: http.StatusUnauthorized, Code: CodeSessionInvalid, Message: "session expired"}
	case errors.Is(err, session.ErrNotFound):
		return &apiError{Status: http.StatusUnauthorized, Code: CodeSessionInvalid, Message: "invalid session"}
	case errors.As(err, &roleErr):
		return &apiError{
			Status: http.StatusForbidden, Code: CodeRoleRequired,
			Message: "insufficient role",
			Details: map[string]any{"required_role": string(roleErr.Need)},
		}
	case errors.Is(err, team.ErrNoAccess):
		return &apiError{Status: http.StatusForbidden, Code: CodeTeamAccessDenied, Message: "team access denied"}
	case errors.Is(err, team.ErrLastOwner):
		return &apiError{Status: http.StatusConflict, Code: CodeConflict, Message: "cannot remove the last owner"}
	case errors.As(err, &transition):
		return &apiError{
			Status: http.StatusConflict, Code: CodeConflict,
			Message: fmt.Sprintf("cannot transition payment from %s to %s", transition.From, transition.To),
		}
	case errors.Is(err, payments.ErrValidation):
		return &apiError{Status: http.StatusBadRequest, Code: CodeValidation, Message: "invalid request"}
	case errors.Is(err, payments.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return &apiError{Status: http.StatusNotFound, Code: CodeNotFound, Message: "not found"}
	case errors.Is(err, idempotency.ErrConflict):
		return &apiError{
			Status: http.StatusConflict, Code: CodeIdempotencyConflict,
			Message: "idempotency key already used with a different request",
		}
	case errors.Is(err, idempotency.ErrInFlight):
		return &apiError{
			Status: http.StatusConflict, Code: CodeConflict,
			Message:    "request with this idempotency key is in flight",
			RetryAfter: time.Second,
			Details:    map[string]any{"retry_after": 1},
		}
	case errors.As(err, &open):
		return &apiError{Status: http.StatusServiceUnavailable, Code: CodeUnavailable, Message: "service temporarily unavailable"}
	case errors.Is(err, auth.ErrUpstream):
		return &apiError{Status: http.StatusServiceUnavailable, Code: CodeUnavailable, Message: "identity provider unavailable"}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, storage.ErrQueryTimeout):
		return &apiError{Status: http.StatusServiceUnavailable, Code: CodeUnavailable, Message: "request timed out"}
	default:
		return &apiError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "internal error"}
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := mapError(err)
	if apiErr.Status >= http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path,
			"request_id", RequestIDFrom(r.Context()), "error", err)
	}
	writeAPIError(w, r, apiErr)
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}
