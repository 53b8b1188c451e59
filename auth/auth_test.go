package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"edbase/audit"
	"edbase/crypto"
	"edbase/session"
	"edbase/storage"
	"edbase/storage/storagetest"
)

type stubProvider struct {
	users     map[string]string // email -> userID
	passwords map[string]string // email -> password
	otps      map[string]string // email -> code
	updated   map[string]string // userID -> new password
	fail      error
}

func newStubProvider() *stubProvider {
	return &stubProvider{
		users:     map[string]string{"alice@example.com": "user-alice"},
		passwords: map[string]string{"alice@example.com": "correct horse"},
		otps:      map[string]string{"alice@example.com": "123456"},
		updated:   make(map[string]string),
	}
}

func (p *stubProvider) VerifyPassword(ctx context.Context, email, password string) (string, error) {
	if p.fail != nil {
		return "", p.fail
	}
	if p.passwords[email] != password || p.users[email] == "" {
		return "", ErrInvalidCredentials
	}
	return p.users[email], nil
}

func (p *stubProvider) VerifyOTP(ctx context.Context, email, code string) (string, error) {
	if p.fail != nil {
		return "", p.fail
	}
	if p.otps[email] != code || p.users[email] == "" {
		return "", ErrInvalidCredentials
	}
	return p.users[email], nil
}

func (p *stubProvider) UpdatePassword(ctx context.Context, userID, newPassword string) error {
	if p.fail != nil {
		return p.fail
	}
	p.updated[userID] = newPassword
	return nil
}

type memoryLockouts struct {
	rows map[string]Lockout
}

func newMemoryLockouts() *memoryLockouts {
	return &memoryLockouts{rows: make(map[string]Lockout)}
}

func (m *memoryLockouts) Status(ctx context.Context, q storage.Querier, key string) (Lockout, error) {
	return m.rows[key], nil
}

func (m *memoryLockouts) RecordFailure(ctx context.Context, q storage.Querier, key string, at, windowStart time.Time) (int, error) {
	l := m.rows[key]
	if l.Attempts == 0 || l.FirstFailedAt.Before(windowStart) {
		l = Lockout{Attempts: 1, FirstFailedAt: at}
	} else {
		l.Attempts++
	}
	m.rows[key] = l
	return l.Attempts, nil
}

func (m *memoryLockouts) Lock(ctx context.Context, q storage.Querier, key string, until time.Time) error {
	l := m.rows[key]
	l.LockedUntil = until
	m.rows[key] = l
	return nil
}

func (m *memoryLockouts) Reset(ctx context.Context, q storage.Querier, key string) error {
	delete(m.rows, key)
	return nil
}

type memorySessions struct {
	sessions map[string]*session.Session
}

func newMemorySessions() *memorySessions {
	return &memorySessions{sessions: make(map[string]*session.Session)}
}

func (m *memorySessions) Insert(ctx context.Context, q storage.Querier, s *session.Session) error {
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memorySessions) ByTokenHash(ctx context.Context, q storage.Querier, hash string) (*session.Session, error) {
	for _, s := range m.sessions {
		if s.TokenHash == hash {
			cp := *s
			return &cp, nil
		}
	}
	return nil, session.ErrNotFound
}

func (m *memorySessions) ByRefreshHash(ctx context.Context, q storage.Querier, hash string) (*session.Session, error) {
	for _, s := range m.sessions {
		if s.RefreshTokenHash == hash {
			cp := *s
			return &cp, nil
		}
	}
	return nil, session.ErrNotFound
}

func (m *memorySessions) Touch(ctx context.Context, q storage.Querier, id string, at time.Time) error {
	if s, ok := m.sessions[id]; ok {
		s.LastUsedAt = at
	}
	return nil
}

func (m *memorySessions) Revoke(ctx context.Context, q storage.Querier, id, reason string, at time.Time) (bool, error) {
	s, ok := m.sessions[id]
	if !ok || s.RevokedAt != nil {
		return false, nil
	}
	s.RevokedAt = &at
	s.RevokedReason = reason
	return true, nil
}

func (m *memorySessions) RevokeAllForUser(ctx context.Context, q storage.Querier, userID, reason, excludeID string, at time.Time) (int64, error) {
	var count int64
	for _, s := range m.sessions {
		if s.UserID == userID && s.RevokedAt == nil && s.ID != excludeID {
			s.RevokedAt = &at
			s.RevokedReason = reason
			count++
		}
	}
	return count, nil
}

func (m *memorySessions) RevokeForTeam(ctx context.Context, q storage.Querier, teamID, reason string, at time.Time) (int64, error) {
	var count int64
	for _, s := range m.sessions {
		if s.TeamID == teamID && s.RevokedAt == nil {
			s.RevokedAt = &at
			s.RevokedReason = reason
			count++
		}
	}
	return count, nil
}

func (m *memorySessions) DeleteExpiredBefore(ctx context.Context, q storage.Querier, cutoff time.Time, limit int) (int64, error) {
	var count int64
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(cutoff) && count < int64(limit) {
			delete(m.sessions, id)
			count++
		}
	}
	return count, nil
}

type fixture struct {
	svc      *Service
	provider *stubProvider
	lockouts *memoryLockouts
	sessions *memorySessions
	now      *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	provider := newStubProvider()
	lockouts := newMemoryLockouts()
	sessionStore := newMemorySessions()
	recorder := audit.NewRecorder("audit-secret", nil)
	engine := session.NewEngine(sessionStore, storagetest.Querier{}, recorder, nil)
	issuer := NewIssuer("jwt-secret", 15*time.Minute, time.Minute)
	issuer.nowFn = func() time.Time { return now }

	svc := NewService(provider, issuer, engine, lockouts,
		storagetest.Querier{}, storagetest.NewTransactor(), recorder,
		Policy{LockoutMaxAttempts: 5, LockoutDuration: 15 * time.Minute, RefreshTokenTTL: 720 * time.Hour},
		nil)
	svc.nowFn = func() time.Time { return now }
	return &fixture{svc: svc, provider: provider, lockouts: lockouts, sessions: sessionStore, now: &now}
}

func TestLoginPasswordSuccess(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.LoginPassword(context.Background(), "alice@example.com", "correct horse", "10.0.0.1", "cli/1.0")
	require.NoError(t, err)
	require.NotEmpty(t, res.Tokens.AccessToken)
	require.NotEmpty(t, res.Tokens.RefreshToken)
	require.Equal(t, "user-alice", res.Session.UserID)

	// The session stores hashes, never the raw tokens.
	stored := f.sessions.sessions[res.Session.ID]
	require.Equal(t, crypto.TokenHash(res.Tokens.AccessToken), stored.TokenHash)
	require.NotEqual(t, res.Tokens.AccessToken, stored.TokenHash)

	claims, err := f.svc.issuer.Parse(res.Tokens.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "user-alice", claims.Subject)
	require.NotEmpty(t, claims.ID)
}

func TestLoginPasswordWrongPassword(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.LoginPassword(context.Background(), "alice@example.com", "wrong", "10.0.0.1", "cli/1.0")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.Equal(t, 1, f.lockouts.rows[lockoutKey("alice@example.com")].Attempts)
}

func TestLoginLocksAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := f.svc.LoginPassword(ctx, "alice@example.com", "wrong", "10.0.0.1", "cli/1.0")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	// Fifth failure trips the lock.
	_, err := f.svc.LoginPassword(ctx, "alice@example.com", "wrong", "10.0.0.1", "cli/1.0")
	until, locked := IsLocked(err)
	require.True(t, locked)
	require.Equal(t, f.now.Add(15*time.Minute), until)

	// Even the correct password is refused while locked.
	_, err = f.svc.LoginPassword(ctx, "alice@example.com", "correct horse", "10.0.0.1", "cli/1.0")
	_, locked = IsLocked(err)
	require.True(t, locked)

	// After the lock expires the correct password works again.
	*f.now = f.now.Add(16 * time.Minute)
	_, err = f.svc.LoginPassword(ctx, "alice@example.com", "correct horse", "10.0.0.1", "cli/1.0")
	require.NoError(t, err)
}

func TestLoginFailureWindowResets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := f.svc.LoginPassword(ctx, "alice@example.com", "wrong", "10.0.0.1", "cli/1.0")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	// Old failures age out of the window; the counter restarts.
	*f.now = f.now.Add(20 * time.Minute)
	_, err := f.svc.LoginPassword(ctx, "alice@example.com", "wrong", "10.0.0.1", "cli/1.0")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.Equal(t, 1, f.lockouts.rows[lockoutKey("alice@example.com")].Attempts)
}

func TestLoginSuccessResetsLockout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.LoginPassword(ctx, "alice@example.com", "wrong", "10.0.0.1", "cli/1.0")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.svc.LoginPassword(ctx, "alice@example.com", "correct horse", "10.0.0.1", "cli/1.0")
	require.NoError(t, err)
	require.Empty(t, f.lockouts.rows)
}

func TestLoginOTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.LoginOTP(ctx, "alice@example.com", "123456", "10.0.0.1", "cli/1.0")
	require.NoError(t, err)
	require.Equal(t, "user-alice", res.Session.UserID)

	_, err = f.svc.LoginOTP(ctx, "alice@example.com", "000000", "10.0.0.1", "cli/1.0")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginUpstreamFailurePropagates(t *testing.T) {
	f := newFixture(t)
	f.provider.fail = ErrUpstream
	_, err := f.svc.LoginPassword(context.Background(), "alice@example.com", "correct horse", "10.0.0.1", "cli/1.0")
	require.ErrorIs(t, err, ErrUpstream)
	// An outage is not a failed attempt.
	require.Empty(t, f.lockouts.rows)
}

func TestRefreshRotatesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.LoginPassword(ctx, "alice@example.com", "correct horse", "10.0.0.1", "cli/1.0")
	require.NoError(t, err)

	rotated, err := f.svc.Refresh(ctx, res.Tokens.RefreshToken, "10.0.0.2", "cli/1.1")
	require.NoError(t, err)
	require.NotEqual(t, res.Session.ID, rotated.Session.ID)
	require.NotEqual(t, res.Tokens.RefreshToken, rotated.Tokens.RefreshToken)

	old := f.sessions.sessions[res.Session.ID]
	require.NotNil(t, old.RevokedAt)
	require.Equal(t, session.ReasonTokenRefresh, old.RevokedReason)

	// The rotated-out refresh token is dead.
	_, err = f.svc.Refresh(ctx, res.Tokens.RefreshToken, "10.0.0.2", "cli/1.1")
	var revoked *session.RevokedError
	require.ErrorAs(t, err, &revoked)
	require.Equal(t, session.ReasonTokenRefresh, revoked.Reason)
}

func TestRefreshUnknownToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Refresh(context.Background(), "never-issued", "10.0.0.1", "cli/1.0")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestRefreshExpiredSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.LoginPassword(ctx, "alice@example.com", "correct horse", "10.0.0.1", "cli/1.0")
	require.NoError(t, err)

	*f.now = f.now.Add(721 * time.Hour)
	_, err = f.svc.Refresh(ctx, res.Tokens.RefreshToken, "10.0.0.1", "cli/1.0")
	require.ErrorIs(t, err, session.ErrExpired)
}

func TestLogoutCurrentOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.LoginPassword(ctx, "alice@example.com", "correct horse", "10.0.0.1", "cli/1.0")
	require.NoError(t, err)
	second, err := f.svc.LoginPassword(ctx, "alice@example.com", "correct horse", "10.0.0.2", "cli/1.0")
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, "user-alice", first.Session.ID, false))
	require.NotNil(t, f.sessions.sessions[first.Session.ID].RevokedAt)
	require.Nil(t, f.sessions.sessions[second.Session.ID].RevokedAt)
}

func TestLogoutAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.LoginPassword(ctx, "alice@example.com", "correct horse", "10.0.0.1", "cli/1.0")
	require.NoError(t, err)
	second, err := f.svc.LoginPassword(ctx, "alice@example.com", "correct horse", "10.0.0.2", "cli/1.0")
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, "user-alice", first.Session.ID, true))
	for _, s := range []*session.Session{f.sessions.sessions[first.Session.ID], f.sessions.sessions[second.Session.ID]} {
		require.NotNil(t, s.RevokedAt)
		require.Equal(t, session.ReasonManualLogout, s.RevokedReason)
	}
}

func TestChangePasswordRevokesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.LoginPassword(ctx, "alice@example.com", "correct horse", "10.0.0.1", "cli/1.0")
	require.NoError(t, err)

	require.NoError(t, f.svc.ChangePassword(ctx, "user-alice", "new password 1"))
	require.Equal(t, "new password 1", f.provider.updated["user-alice"])

	stored := f.sessions.sessions[res.Session.ID]
	require.NotNil(t, stored.RevokedAt)
	require.Equal(t, session.ReasonPasswordChange, stored.RevokedReason)
}

func TestChangePasswordRejectsWeak(t *testing.T) {
	f := newFixture(t)
	err := f.svc.ChangePassword(context.Background(), "user-alice", "short")
	require.ErrorIs(t, err, ErrWeakPassword)
	require.Empty(t, f.provider.updated)
}

func TestChangePasswordUpstreamFailureKeepsSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.LoginPassword(ctx, "alice@example.com", "correct horse", "10.0.0.1", "cli/1.0")
	require.NoError(t, err)

	f.provider.fail = errors.New("identity down")
	require.Error(t, f.svc.ChangePassword(ctx, "user-alice", "new password 1"))
	require.Nil(t, f.sessions.sessions[res.Session.ID].RevokedAt)
}

func TestIssuerRejectsTamperedToken(t *testing.T) {
	issuer := NewIssuer("jwt-secret", 15*time.Minute, time.Minute)
	pair, err := issuer.Issue("user-alice")
	require.NoError(t, err)

	_, err = issuer.Parse(pair.AccessToken + "x")
	require.Error(t, err)

	other := NewIssuer("different-secret", 15*time.Minute, time.Minute)
	_, err = other.Parse(pair.AccessToken)
	require.Error(t, err)
}

func TestIssuerExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	issuer := NewIssuer("jwt-secret", 15*time.Minute, time.Minute)
	issuer.nowFn = func() time.Time { return now }

	pair, err := issuer.Issue("user-alice")
	require.NoError(t, err)
	require.Equal(t, now.Add(15*time.Minute), pair.ExpiresAt)

	// Within leeway.
	issuer.nowFn = func() time.Time { return now.Add(15*time.Minute + 30*time.Second) }
	_, err = issuer.Parse(pair.AccessToken)
	require.NoError(t, err)

	// Past leeway.
	issuer.nowFn = func() time.Time { return now.Add(17 * time.Minute) }
	_, err = issuer.Parse(pair.AccessToken)
	require.Error(t, err)
}
