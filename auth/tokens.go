package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"edbase/crypto"
)

const tokenIssuer = "edbase"

// TokenPair is what a successful login or refresh hands to the client.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Issuer mints HS256 access tokens and opaque refresh tokens.
type Issuer struct {
	secret    []byte
	accessTTL time.Duration
	skew      time.Duration
	nowFn     func() time.Time
}

// NewIssuer constructs an issuer. skew is the validation leeway granted for
// clock drift between services.
func NewIssuer(secret string, accessTTL, skew time.Duration) *Issuer {
	return &Issuer{
		secret:    []byte(secret),
		accessTTL: accessTTL,
		skew:      skew,
		nowFn:     time.Now,
	}
}

// Issue mints a token pair for userID. The access token carries sub, jti,
// iat, and exp; the refresh token is an opaque 256-bit secret whose hash the
// session row stores.
func (i *Issuer) Issue(userID string) (TokenPair, error) {
	now := i.nowFn().UTC()
	expires := now.Add(i.accessTTL)
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   userID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := crypto.NewOpaqueToken()
	if err != nil {
		return TokenPair{}, fmt.Errorf("generate refresh token: %w", err)
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: expires}, nil
}

// Parse validates an access token and returns its claims. Only HS256 is
// accepted; an attacker cannot downgrade to none or swap to an asymmetric
// scheme.
func (i *Issuer) Parse(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithLeeway(i.skew),
		jwt.WithTimeFunc(func() time.Time { return i.nowFn() }),
	)
	if err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}
	return claims, nil
}
