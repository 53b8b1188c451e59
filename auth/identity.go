package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"edbase/breaker"
)

// IdentityProvider verifies credentials and manages passwords. The platform
// never sees password hashes; all verification happens upstream.
type IdentityProvider interface {
	// VerifyPassword returns the user id on success and
	// ErrInvalidCredentials on rejection.
	VerifyPassword(ctx context.Context, email, password string) (string, error)
	// VerifyOTP returns the user id for a valid one-time code.
	VerifyOTP(ctx context.Context, email, code string) (string, error)
	// UpdatePassword replaces the user's password upstream.
	UpdatePassword(ctx context.Context, userID, newPassword string) error
}

// IdentityClient is the HTTP IdentityProvider. Calls run under a circuit
// breaker and a client-side pacer so a retry storm here cannot hammer the
// upstream while it is struggling.
type IdentityClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	brk     *breaker.Breaker
	pacer   *rate.Limiter
	log     *slog.Logger
}

// NewIdentityClient wires a client. maxRPS bounds outbound request rate.
func NewIdentityClient(baseURL, apiKey string, brk *breaker.Breaker, maxRPS float64, log *slog.Logger) *IdentityClient {
	if log == nil {
		log = slog.Default()
	}
	if maxRPS <= 0 {
		maxRPS = 50
	}
	return &IdentityClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
		brk:     brk,
		pacer:   rate.NewLimiter(rate.Limit(maxRPS), int(maxRPS)),
		log:     log,
	}
}

func (c *IdentityClient) VerifyPassword(ctx context.Context, email, password string) (string, error) {
	return c.verify(ctx, "/v1/verify/password", map[string]string{
		"email":    email,
		"password": password,
	})
}

func (c *IdentityClient) VerifyOTP(ctx context.Context, email, code string) (string, error) {
	return c.verify(ctx, "/v1/verify/otp", map[string]string{
		"email": email,
		"code":  code,
	})
}

func (c *IdentityClient) UpdatePassword(ctx context.Context, userID, newPassword string) error {
	body := map[string]string{"password": newPassword}
	_, err := c.call(ctx, http.MethodPut, "/v1/users/"+userID+"/password", body)
	return err
}

func (c *IdentityClient) verify(ctx context.Context, path string, body map[string]string) (string, error) {
	raw, err := c.call(ctx, http.MethodPost, path, body)
	if err != nil {
		return "", err
	}
	var resp struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.UserID == "" {
		return "", fmt.Errorf("%w: malformed verify response", ErrUpstream)
	}
	return resp.UserID, nil
}

// call runs one request under the pacer and breaker. A 401/403 response is a
// credential rejection, not an upstream fault, so it does not count against
// the breaker.
func (c *IdentityClient) call(ctx context.Context, method, path string, body any) ([]byte, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	var (
		out         []byte
		credsDenied bool
	)
	err := c.brk.Do(ctx, func(ctx context.Context) error {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode identity request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build identity request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUpstream, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("%w: read response: %w", ErrUpstream, err)
		}
		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
			out = raw
			return nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			credsDenied = true
			return nil
		default:
			c.log.WarnContext(ctx, "identity provider error",
				"status", resp.StatusCode, "path", path)
			return fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
		}
	})
	if err != nil {
		return nil, err
	}
	if credsDenied {
		return nil, ErrInvalidCredentials
	}
	return out, nil
}
