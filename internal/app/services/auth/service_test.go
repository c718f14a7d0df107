package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/R3E-Network/shopfront/internal/app/domain/session"
	"github.com/R3E-Network/shopfront/internal/app/domain/user"
	"github.com/R3E-Network/shopfront/internal/app/storage/memory"
	svcerrors "github.com/R3E-Network/shopfront/internal/errors"
	"github.com/R3E-Network/shopfront/internal/logging"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type revocations struct {
	mu       sync.Mutex
	sessions []session.Session
}

func (r *revocations) SessionRevoked(_ context.Context, _ string, s session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
}

func (r *revocations) reasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.RevokeReason)
	}
	return out
}

func newTestService(t *testing.T, mutate func(*Config)) (*Service, *clock, *revocations) {
	t.Helper()
	store := memory.New()
	cfg := Config{
		Secret:      []byte(strings.Repeat("s", 32)),
		AccessTTL:   15 * time.Minute,
		RefreshTTL:  24 * time.Hour,
		MaxSessions: 3,
		BcryptCost:  bcrypt.MinCost,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := New(store, store, cfg, logging.Discard())
	require.NoError(t, err)

	clk := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	svc.now = clk.Now
	rev := &revocations{}
	svc.SetNotifier(rev)
	return svc, clk, rev
}

func register(t *testing.T, svc *Service) user.User {
	t.Helper()
	u, err := svc.Register(context.Background(), "Shopper@Example.com", "correct horse", "Shopper")
	require.NoError(t, err)
	return u
}

func login(t *testing.T, svc *Service, clk *clock, deviceID string) LoginResult {
	t.Helper()
	clk.Advance(time.Second)
	res, err := svc.Login(context.Background(), "shopper@example.com", "correct horse", session.Device{ID: deviceID, Name: deviceID})
	require.NoError(t, err)
	return res
}

func TestNewRejectsShortSecret(t *testing.T) {
	store := memory.New()
	_, err := New(store, store, Config{Secret: []byte("short")}, logging.Discard())
	assert.Error(t, err)
}

func TestRegister(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	u := register(t, svc)
	assert.Equal(t, "shopper@example.com", u.Email)
	assert.Equal(t, user.RoleCustomer, u.Role)
	assert.NotEqual(t, "correct horse", u.PasswordHash)

	_, err := svc.Register(ctx, "shopper@example.com", "another password", "")
	assert.True(t, svcerrors.HasCode(err, svcerrors.ErrCodeConflict))

	_, err = svc.Register(ctx, "not-an-email", "correct horse", "")
	assert.True(t, svcerrors.HasCode(err, svcerrors.ErrCodeValidation))

	_, err = svc.Register(ctx, "x@example.com", "short", "")
	assert.True(t, svcerrors.HasCode(err, svcerrors.ErrCodeValidation))
}

func TestLoginAndAuthenticate(t *testing.T) {
	svc, clk, _ := newTestService(t, nil)
	ctx := context.Background()
	u := register(t, svc)

	_, err := svc.Login(ctx, "shopper@example.com", "wrong password", session.Device{})
	assert.True(t, svcerrors.HasCode(err, svcerrors.ErrCodeUnauthorized))
	_, err = svc.Login(ctx, "nobody@example.com", "correct horse", session.Device{})
	assert.True(t, svcerrors.HasCode(err, svcerrors.ErrCodeUnauthorized))

	res := login(t, svc, clk, "laptop")
	assert.Equal(t, "Bearer", res.TokenType)
	assert.NotEmpty(t, res.RefreshToken)
	assert.Equal(t, u.ID, res.User.ID)

	p, err := svc.Authenticate(ctx, res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, p.UserID)
	assert.Equal(t, res.SessionID, p.SessionID)
	assert.False(t, p.IsAdmin())

	_, err = svc.Authenticate(ctx, res.AccessToken+"x")
	assert.True(t, svcerrors.HasCode(err, svcerrors.ErrCodeInvalidToken))

	clk.Advance(16 * time.Minute)
	_, err = svc.Authenticate(ctx, res.AccessToken)
	assert.True(t, svcerrors.HasCode(err, svcerrors.ErrCodeInvalidToken), "expired access token")
}

func TestSessionCapKicksLeastRecentlyUsed(t *testing.T) {
	svc, clk, rev := newTestService(t, func(c *Config) { c.MaxSessions = 2 })
	ctx := context.Background()
	register(t, svc)

	first := login(t, svc, clk, "phone")
	second := login(t, svc, clk, "tablet")

	// Using the first session makes the second the least recently used.
	clk.Advance(2 * time.Minute)
	_, err := svc.Authenticate(ctx, first.AccessToken)
	require.NoError(t, err)

	third := login(t, svc, clk, "laptop")

	_, err = svc.Authenticate(ctx, second.AccessToken)
	assert.True(t, svcerrors.HasCode(err, svcerrors.ErrCodeInvalidToken))
	_, err = svc.Authenticate(ctx, first.AccessToken)
	assert.NoError(t, err)
	_, err = svc.Authenticate(ctx, third.AccessToken)
	assert.NoError(t, err)

	assert.Equal(t, []string{session.ReasonKicked}, rev.reasons())

	p, err := svc.Authenticate(ctx, third.AccessToken)
	require.NoError(t, err)
	active, err := svc.ListSessions(ctx, p.UserID)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestSameDeviceLoginReplacesSession(t *testing.T) {
	svc, clk, rev := newTestService(t, nil)
	ctx := context.Background()
	register(t, svc)

	old := login(t, svc, clk, "phone")
	fresh := login(t, svc, clk, "phone")
	assert.NotEqual(t, old.SessionID, fresh.SessionID)

	_, err := svc.Authenticate(ctx, old.AccessToken)
	assert.True(t, svcerrors.HasCode(err, svcerrors.ErrCodeInvalidToken))
	assert.Equal(t, []string{session.ReasonReplaced}, rev.reasons())
}

func TestRefreshRotationAndReuseDetection(t *testing.T) {
	svc, clk, rev := newTestService(t, nil)
	ctx := context.Background()
	register(t, svc)

	res := login(t, svc, clk, "phone")

	clk.Advance(time.Minute)
	rotated, err := svc.Refresh(ctx, res.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, res.RefreshToken, rotated.RefreshToken)
	assert.Equal(t, res.SessionID, rotated.SessionID)

	_, err = svc.Authenticate(ctx, rotated.AccessToken)
	require.NoError(t, err)

	// Replaying the old token signals theft: the session is revoked.
	_, err = svc.Refresh(ctx, res.RefreshToken)
	se := svcerrors.GetServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, svcerrors.ErrCodeTokenReused, se.Code)
	assert.Equal(t, 401, se.HTTPStatus)
	assert.Equal(t, []string{session.ReasonTokenReuse}, rev.reasons())

	_, err = svc.Refresh(ctx, rotated.RefreshToken)
	assert.True(t, svcerrors.HasCode(err, svcerrors.ErrCodeInvalidToken))
	_, err = svc.Authenticate(ctx, rotated.AccessToken)
	assert.True(t, svcerrors.HasCode(err, svcerrors.ErrCodeInvalidToken))

	_, err = svc.Refresh(ctx, "never-issued")
	assert.True(t, svcerrors.HasCode(err, svcerrors.ErrCodeInvalidToken))
}

func TestRefreshAfterExpiry(t *testing.T) {
	svc, clk, _ := newTestService(t, nil)
	register(t, svc)
	res := login(t, svc, clk, "phone")

	clk.Advance(25 * time.Hour)
	_, err := svc.Refresh(context.Background(), res.RefreshToken)
	assert.True(t, svcerrors.HasCode(err, svcerrors.ErrCodeInvalidToken))
}

func TestLogoutAndRevoke(t *testing.T) {
	svc, clk, _ := newTestService(t, nil)
	ctx := context.Background()
	u := register(t, svc)

	phone := login(t, svc, clk, "phone")
	laptop := login(t, svc, clk, "laptop")

	require.NoError(t, svc.Logout(ctx, u.ID, phone.SessionID))
	_, err := svc.Authenticate(ctx, phone.AccessToken)
	assert.Error(t, err)

	err = svc.RevokeSession(ctx, "someone-else", laptop.SessionID)
	assert.True(t, svcerrors.HasCode(err, svcerrors.ErrCodeNotFound))
	_, err = svc.Authenticate(ctx, laptop.AccessToken)
	assert.NoError(t, err)

	login(t, svc, clk, "tablet")
	n, err := svc.LogoutAll(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	active, err := svc.ListSessions(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestAdminAllowlist(t *testing.T) {
	store := memory.New()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)
	u, err := store.CreateUser(context.Background(), user.User{
		Email:        "boss@example.com",
		PasswordHash: string(hash),
		Role:         user.RoleCustomer,
	})
	require.NoError(t, err)

	svc, err := New(store, store, Config{
		Secret:       []byte(strings.Repeat("k", 32)),
		AdminUserIDs: []string{u.ID},
		BcryptCost:   bcrypt.MinCost,
	}, logging.Discard())
	require.NoError(t, err)

	res, err := svc.Login(context.Background(), "boss@example.com", "correct horse", session.Device{ID: "desk"})
	require.NoError(t, err)
	assert.Equal(t, user.RoleAdmin, res.User.Role)

	p, err := svc.Authenticate(context.Background(), res.AccessToken)
	require.NoError(t, err)
	assert.True(t, p.IsAdmin())
}

func TestPurgeSessions(t *testing.T) {
	svc, clk, _ := newTestService(t, nil)
	ctx := context.Background()
	u := register(t, svc)

	res := login(t, svc, clk, "phone")
	require.NoError(t, svc.Logout(ctx, u.ID, res.SessionID))

	n, err := svc.PurgeSessions(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "recently revoked sessions are retained")

	clk.Advance(2 * time.Hour)
	n, err = svc.PurgeSessions(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
