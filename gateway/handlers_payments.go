package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"edbase/audit"
	"edbase/payments"
	"edbase/team"
)

type paymentView struct {
	ID            string `json:"id"`
	UserID        string `json:"user_id"`
	TeamID        string `json:"team_id"`
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	GatewayRef    string `json:"gateway_ref,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func viewPayment(p *payments.Payment) paymentView {
	return paymentView{
		ID:            p.ID,
		UserID:        p.UserID,
		TeamID:        p.TeamID,
		AmountCents:   p.AmountCents,
		Currency:      p.Currency,
		Status:        string(p.Status),
		GatewayRef:    p.GatewayRef,
		FailureReason: p.FailureReason,
		CreatedAt:     p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TeamID      string `json:"team_id"`
		AmountCents int64  `json:"amount_cents"`
		Currency    string `json:"currency"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeAPIError(w, r, badRequest("malformed request body"))
		return
	}
	p := PrincipalFrom(r.Context())
	authz := TeamFrom(r.Context())

	create := payments.CreateRequest{
		UserID:         p.UserID,
		TeamID:         authz.TeamID,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
	}

	// Under the idempotent middleware the payment must commit on the run's
	// transaction so it persists together with the cached response.
	var payment *payments.Payment
	var err error
	if q := TxQuerierFrom(r.Context()); q != nil {
		payment, err = s.payments.CreateOn(r.Context(), q, create)
	} else {
		payment, err = s.payments.Create(r.Context(), create)
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewPayment(payment))
}

// handleGetPayment fetches one payment. Access requires membership in the
// payment's team; an outsider sees 403, not 404, only when the payment id
// itself leaked.
func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	payment, err := s.payments.Get(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if _, err := s.teams.ContextFor(r.Context(), p.UserID, payment.TeamID); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPayment(payment))
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	authz := TeamFrom(r.Context())
	cursor := r.URL.Query().Get("cursor")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeAPIError(w, r, &apiError{
				Status: http.StatusBadRequest, Code: CodeValidation,
				Message: "limit must be a non-negative integer",
				Details: map[string]any{"field": "limit", "max_value": 100},
			})
			return
		}
		limit = parsed
	}

	page, next, err := s.payments.ListForTeam(r.Context(), authz.TeamID, cursor, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]paymentView, 0, len(page))
	for i := range page {
		out = append(out, viewPayment(&page[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"payments":    out,
		"next_cursor": next,
	})
}

func (s *Server) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	id := chi.URLParam(r, "paymentID")
	payment, err := s.payments.Get(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	// Canceling needs member access in the payment's team.
	if _, err := s.teams.Require(r.Context(), p.UserID, payment.TeamID, team.RoleMember); err != nil {
		s.respondError(w, r, err)
		return
	}
	actor := payments.Actor{Type: audit.ActorUser, ID: p.UserID}
	if err := s.payments.Cancel(r.Context(), id, actor); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": string(payments.StatusCancelled)})
}

func (s *Server) handleRefundPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeAPIError(w, r, badRequest("malformed request body"))
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "requested by team admin"
	}
	p := PrincipalFrom(r.Context())
	id := chi.URLParam(r, "paymentID")
	actor := payments.Actor{Type: audit.ActorUser, ID: p.UserID}
	if err := s.payments.Refund(r.Context(), id, req.Reason, actor); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": string(payments.StatusRefunded)})
}
