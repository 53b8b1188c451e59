package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"edbase/audit"
	"edbase/auth"
	"edbase/breaker"
	"edbase/config"
	"edbase/idempotency"
	"edbase/payments"
	"edbase/ratelimit"
	"edbase/session"
	"edbase/storage"
	"edbase/team"
	"edbase/webhook"
)

// DBHealth is the database probe surface the health endpoint needs.
type DBHealth interface {
	Health(ctx context.Context) storage.HealthStatus
}

// Deps is everything the HTTP surface is built over.
type Deps struct {
	Auth     *auth.Service
	Sessions *session.Engine
	Teams    *team.Authorizer
	Payments *payments.Engine
	Idem     *idempotency.Engine
	Limiter  *ratelimit.Limiter
	Webhooks *webhook.Processor
	Recorder *audit.Recorder
	DB       storage.Querier
	DBHealth DBHealth
	Breakers *breaker.Hub
	Log      *slog.Logger
}

// Server holds the wired HTTP surface.
type Server struct {
	auth        *auth.Service
	sessions    *session.Engine
	teams       *team.Authorizer
	payments    *payments.Engine
	idem        *idempotency.Engine
	limiter     *ratelimit.Limiter
	webhooks    *webhook.Processor
	recorder    *audit.Recorder
	db          storage.Querier
	dbHealth    DBHealth
	breakers    *breaker.Hub
	limits      config.RateLimitConfig
	limitWindow time.Duration
	cors        []string
	log         *slog.Logger
}

// NewServer wires a server from its dependencies and config.
func NewServer(deps Deps, cfg config.Config) *Server {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		auth:        deps.Auth,
		sessions:    deps.Sessions,
		teams:       deps.Teams,
		payments:    deps.Payments,
		idem:        deps.Idem,
		limiter:     deps.Limiter,
		webhooks:    deps.Webhooks,
		recorder:    deps.Recorder,
		db:          deps.DB,
		dbHealth:    deps.DBHealth,
		breakers:    deps.Breakers,
		limits:      cfg.RateLimit,
		limitWindow: cfg.RateLimit.Window,
		cors:        cfg.Server.CORSOrigins,
		log:         log,
	}
}

// Router assembles the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(securityHeaders)
	r.Use(chimw.RealIP)
	r.Use(s.recoverer)
	r.Use(observe)
	if len(s.cors) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cors,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/live", s.handleLive)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhooks/{provider}", s.handleWebhook)

	r.Route("/api/auth", func(ar chi.Router) {
		ar.Group(func(gr chi.Router) {
			gr.Use(s.rateLimit(ratelimit.ScopeLogin, s.limits.LoginLimit))
			gr.Post("/login", s.handleLogin)
			gr.Post("/otp", s.handleLoginOTP)
			gr.Post("/refresh", s.handleRefresh)
		})
		ar.Group(func(gr chi.Router) {
			gr.Use(s.rateLimit(ratelimit.ScopeIP, s.limits.IPLimit))
			gr.Use(s.authenticate)
			gr.Post("/logout", s.handleLogout)
			gr.Put("/password", s.handleChangePassword)
		})
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(s.rateLimit(ratelimit.ScopeIP, s.limits.IPLimit))
		api.Use(s.authenticate)
		api.Use(s.rateLimit(ratelimit.ScopeUser, s.limits.UserLimit))

		api.Get("/teams", s.handleListTeams)

		api.Route("/teams/{teamID}", func(tr chi.Router) {
			tr.With(s.teamScope(team.RoleViewer)).Get("/payments", s.handleListPayments)
			tr.With(s.teamScope(team.RoleAdmin)).Post("/members", s.handleAddMember)
			tr.With(s.teamScope(team.RoleAdmin)).Put("/members/{userID}/role", s.handleChangeRole)
			tr.With(s.teamScope(team.RoleAdmin)).Delete("/members/{userID}", s.handleRemoveMember)
		})

		api.Route("/payments", func(pr chi.Router) {
			pr.With(
				s.rateLimit(ratelimit.ScopePayment, s.limits.PaymentLimit),
				s.teamScope(team.RoleMember),
				s.idempotent,
			).Post("/", s.handleCreatePayment)
			pr.Get("/{paymentID}", s.handleGetPayment)
			pr.Post("/{paymentID}/cancel", s.handleCancelPayment)
			pr.With(s.requirePaymentTeamRole(team.RoleAdmin)).Post("/{paymentID}/refund", s.handleRefundPayment)
		})
	})

	return r
}

// requirePaymentTeamRole resolves the payment's team and enforces a minimum
// role in it. Used where the team id is implied by the payment rather than
// carried in the request.
func (s *Server) requirePaymentTeamRole(min team.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFrom(r.Context())
			payment, err := s.payments.Get(r.Context(), chi.URLParam(r, "paymentID"))
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			authz, err := s.teams.Require(r.Context(), p.UserID, payment.TeamID, min)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withTeam(r.Context(), authz)))
		})
	}
}
