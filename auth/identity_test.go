package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"edbase/breaker"
)

func identityServer(t *testing.T, status int, userID string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.WriteHeader(status)
		if status == http.StatusOK {
			_ = json.NewEncoder(w).Encode(map[string]string{"user_id": userID})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, baseURL string) (*IdentityClient, *breaker.Breaker) {
	t.Helper()
	brk := breaker.New("identity", breaker.Settings{FailureThreshold: 3}, nil)
	return NewIdentityClient(baseURL, "test-key", brk, 100, nil), brk
}

func TestIdentityClientVerifyPassword(t *testing.T) {
	srv := identityServer(t, http.StatusOK, "user-alice")
	client, _ := newTestClient(t, srv.URL)

	userID, err := client.VerifyPassword(context.Background(), "alice@example.com", "pw")
	require.NoError(t, err)
	require.Equal(t, "user-alice", userID)
}

func TestIdentityClientRejection(t *testing.T) {
	srv := identityServer(t, http.StatusUnauthorized, "")
	client, brk := newTestClient(t, srv.URL)

	_, err := client.VerifyPassword(context.Background(), "alice@example.com", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	// A rejected credential is a healthy upstream.
	require.Equal(t, breaker.Closed, brk.State())
}

func TestIdentityClientUpstreamErrorTripsBreaker(t *testing.T) {
	srv := identityServer(t, http.StatusInternalServerError, "")
	client, brk := newTestClient(t, srv.URL)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := client.VerifyPassword(ctx, "alice@example.com", "pw")
		require.ErrorIs(t, err, ErrUpstream)
	}
	require.Equal(t, breaker.Open, brk.State())

	_, err := client.VerifyPassword(ctx, "alice@example.com", "pw")
	var open breaker.ErrOpen
	require.ErrorAs(t, err, &open)
	require.Equal(t, "identity", open.Name)
}

func TestIdentityClientUpdatePassword(t *testing.T) {
	srv := identityServer(t, http.StatusNoContent, "")
	client, _ := newTestClient(t, srv.URL)
	require.NoError(t, client.UpdatePassword(context.Background(), "user-alice", "new password"))
}
