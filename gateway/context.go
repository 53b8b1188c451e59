package gateway

import (
	"context"

	"edbase/session"
	"edbase/storage"
	"edbase/team"
)

type contextKey string

const (
	ctxKeyRequestID contextKey = "gateway.request_id"
	ctxKeyPrincipal contextKey = "gateway.principal"
	ctxKeyTeam      contextKey = "gateway.team"
	ctxKeyTx        contextKey = "gateway.tx"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID  string
	Session *session.Session
}

// RequestIDFrom returns the request id bound to the context, empty when the
// request never passed the RequestID middleware.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// PrincipalFrom returns the authenticated principal, nil on anonymous
// requests.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(ctxKeyPrincipal).(*Principal)
	return p
}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, p)
}

// TeamFrom returns the resolved team authorization context set by the
// TeamScope middleware.
func TeamFrom(ctx context.Context) *team.Context {
	t, _ := ctx.Value(ctxKeyTeam).(*team.Context)
	return t
}

func withTeam(ctx context.Context, t *team.Context) context.Context {
	return context.WithValue(ctx, ctxKeyTeam, t)
}

// TxQuerierFrom returns the transaction an idempotent run opened for the
// handler, nil outside the idempotent middleware. Handlers that write state
// must use it so the write commits together with the cached response.
func TxQuerierFrom(ctx context.Context) storage.Querier {
	q, _ := ctx.Value(ctxKeyTx).(storage.Querier)
	return q
}

func withTxQuerier(ctx context.Context, q storage.Querier) context.Context {
	return context.WithValue(ctx, ctxKeyTx, q)
}
