// Package auth handles registration, login and the multi-device session
// lifecycle: short-lived access JWTs backed by server-side sessions with
// rotating refresh tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/R3E-Network/shopfront/internal/app/domain/session"
	"github.com/R3E-Network/shopfront/internal/app/domain/user"
	"github.com/R3E-Network/shopfront/internal/app/metrics"
	"github.com/R3E-Network/shopfront/internal/app/storage"
	svcerrors "github.com/R3E-Network/shopfront/internal/errors"
	"github.com/R3E-Network/shopfront/internal/logging"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 72 // bcrypt input limit
	touchInterval     = time.Minute
)

// Config holds the token and session settings.
type Config struct {
	Secret       []byte
	Issuer       string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	MaxSessions  int
	AdminUserIDs []string
	BcryptCost   int
}

// Notifier is told about sessions revoked without the owner asking, so
// connected devices can be signed out.
type Notifier interface {
	SessionRevoked(ctx context.Context, userID string, s session.Session)
}

// Principal is the authenticated caller.
type Principal struct {
	UserID    string
	SessionID string
	Role      string
}

// IsAdmin reports whether the principal may manage the catalogue.
func (p Principal) IsAdmin() bool {
	return p.Role == user.RoleAdmin
}

// LoginResult bundles the issued tokens with the account.
type LoginResult struct {
	TokenPair
	User user.User `json:"user"`
}

// Service implements authentication.
type Service struct {
	users       storage.UserStore
	sessions    storage.SessionStore
	log         *logging.Logger
	notifier    Notifier
	secret      []byte
	issuer      string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	maxSessions int
	admins      map[string]struct{}
	bcryptCost  int
	dummyHash   []byte
	now         func() time.Time
}

// New constructs the auth service.
func New(users storage.UserStore, sessions storage.SessionStore, cfg Config, log *logging.Logger) (*Service, error) {
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes")
	}
	if log == nil {
		log = logging.NewDefault("auth")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "shopfront"
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 5
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("shopfront-timing-equaliser"), cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("prepare password hasher: %w", err)
	}

	admins := make(map[string]struct{}, len(cfg.AdminUserIDs))
	for _, id := range cfg.AdminUserIDs {
		if id = strings.TrimSpace(id); id != "" {
			admins[id] = struct{}{}
		}
	}

	return &Service{
		users:       users,
		sessions:    sessions,
		log:         log,
		secret:      cfg.Secret,
		issuer:      cfg.Issuer,
		accessTTL:   cfg.AccessTTL,
		refreshTTL:  cfg.RefreshTTL,
		maxSessions: cfg.MaxSessions,
		admins:      admins,
		bcryptCost:  cfg.BcryptCost,
		dummyHash:   dummy,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetNotifier wires the realtime hub.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// resolveRole applies the ADMIN_USER_IDS allowlist on top of the stored role.
func (s *Service) resolveRole(u user.User) string {
	if _, ok := s.admins[u.ID]; ok {
		return user.RoleAdmin
	}
	if u.Role == "" {
		return user.RoleCustomer
	}
	return u.Role
}

// Register creates a customer account.
func (s *Service) Register(ctx context.Context, email, password, name string) (user.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return user.User{}, svcerrors.Validation("email", "a valid email address is required")
	}
	if len(password) < minPasswordLength {
		return user.User{}, svcerrors.Validation("password", fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}
	if len(password) > maxPasswordLength {
		return user.User{}, svcerrors.Validation("password", fmt.Sprintf("password must be at most %d bytes", maxPasswordLength))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return user.User{}, svcerrors.Internal("Failed to hash password", err)
	}

	u, err := s.users.CreateUser(ctx, user.User{
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: string(hash),
		Role:         user.RoleCustomer,
	})
	if errors.Is(err, storage.ErrConflict) {
		return user.User{}, svcerrors.Conflict("Email is already registered")
	}
	if err != nil {
		return user.User{}, svcerrors.Internal("Failed to create user", err)
	}
	metrics.RecordSessionEvent("register")
	s.log.WithContext(ctx).WithField("user_id", u.ID).Info("user registered")
	return u, nil
}

// Login verifies credentials and opens a session for the device. An active
// session on the same device is replaced; past the session cap the least
// recently used session is revoked.
func (s *Service) Login(ctx context.Context, email, password string, device session.Device) (LoginResult, error) {
	u, err := s.users.GetUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return LoginResult{}, svcerrors.Internal("Failed to load user", err)
	}
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		s.log.LogSecurityEvent(ctx, "login_failed", map[string]interface{}{"reason": "unknown_email"})
		return LoginResult{}, svcerrors.Unauthorized("Invalid email or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		s.log.LogSecurityEvent(ctx, "login_failed", map[string]interface{}{"user_id": u.ID, "reason": "bad_password"})
		return LoginResult{}, svcerrors.Unauthorized("Invalid email or password")
	}

	refresh, err := newRefreshToken()
	if err != nil {
		return LoginResult{}, svcerrors.Internal("Failed to issue token", err)
	}
	now := s.now()
	sess, revoked, err := s.sessions.OpenSession(ctx, session.Session{
		UserID:      u.ID,
		DeviceID:    strings.TrimSpace(device.ID),
		DeviceName:  strings.TrimSpace(device.Name),
		UserAgent:   device.UserAgent,
		IPAddress:   device.IPAddress,
		RefreshHash: hashToken(refresh),
		CreatedAt:   now,
		LastSeenAt:  now,
		ExpiresAt:   now.Add(s.refreshTTL),
	}, s.maxSessions)
	if err != nil {
		return LoginResult{}, svcerrors.Internal("Failed to open session", err)
	}
	s.announceRevoked(ctx, revoked)

	pair, err := s.issue(u, sess.ID, refresh, now)
	if err != nil {
		return LoginResult{}, err
	}
	u.Role = s.resolveRole(u)
	metrics.RecordSessionEvent("login")
	s.log.WithContext(ctx).WithFields(logrus.Fields{
		"user_id":    u.ID,
		"session_id": sess.ID,
		"device_id":  sess.DeviceID,
		"revoked":    len(revoked),
	}).Info("session opened")
	return LoginResult{TokenPair: pair, User: u}, nil
}

// Refresh rotates a refresh token. Presenting a token that was already
// rotated away revokes the whole session.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return TokenPair{}, svcerrors.Validation("refresh_token", "refresh_token is required")
	}
	hash := hashToken(refreshToken)
	now := s.now()

	sess, err := s.sessions.GetSessionByRefreshHash(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return TokenPair{}, s.detectReuse(ctx, hash, now)
	}
	if err != nil {
		return TokenPair{}, svcerrors.Internal("Failed to load session", err)
	}
	if !sess.Active(now) {
		return TokenPair{}, svcerrors.InvalidToken(nil).WithDetails("reason", "session is no longer active")
	}

	u, err := s.users.GetUser(ctx, sess.UserID)
	if err != nil {
		return TokenPair{}, svcerrors.InvalidToken(err)
	}

	next, err := newRefreshToken()
	if err != nil {
		return TokenPair{}, svcerrors.Internal("Failed to issue token", err)
	}
	err = s.sessions.RotateRefreshHash(ctx, sess.ID, hash, hashToken(next), now.Add(s.refreshTTL), now)
	if errors.Is(err, storage.ErrConflict) {
		// Another request rotated this token first.
		return TokenPair{}, s.revokeForReuse(ctx, sess, now)
	}
	if err != nil {
		return TokenPair{}, svcerrors.Internal("Failed to rotate session", err)
	}

	metrics.RecordSessionEvent("refresh")
	return s.issue(u, sess.ID, next, now)
}

func (s *Service) detectReuse(ctx context.Context, hash string, now time.Time) error {
	sess, err := s.sessions.GetSessionByPreviousRefreshHash(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return svcerrors.InvalidToken(nil)
	}
	if err != nil {
		return svcerrors.Internal("Failed to load session", err)
	}
	return s.revokeForReuse(ctx, sess, now)
}

func (s *Service) revokeForReuse(ctx context.Context, sess session.Session, now time.Time) error {
	if sess.RevokedAt == nil {
		if err := s.sessions.RevokeSession(ctx, sess.ID, session.ReasonTokenReuse, now); err != nil {
			return svcerrors.Internal("Failed to revoke session", err)
		}
		sess.RevokedAt = &now
		sess.RevokeReason = session.ReasonTokenReuse
		s.announceRevoked(ctx, []session.Session{sess})
	}
	metrics.RecordSessionEvent("token_reuse")
	s.log.LogSecurityEvent(ctx, "refresh_token_reuse", map[string]interface{}{
		"user_id":    sess.UserID,
		"session_id": sess.ID,
	})
	return svcerrors.TokenReused()
}

// Authenticate validates an access token and the session behind it.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Principal, error) {
	claims, err := s.validateJWT(accessToken)
	if err != nil {
		return Principal{}, svcerrors.InvalidToken(err)
	}

	sess, err := s.sessions.GetSession(ctx, claims.SessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return Principal{}, svcerrors.InvalidToken(nil).WithDetails("reason", "session not found")
	}
	if err != nil {
		return Principal{}, svcerrors.Internal("Failed to load session", err)
	}
	now := s.now()
	if sess.UserID != claims.UserID || !sess.Active(now) {
		return Principal{}, svcerrors.InvalidToken(nil).WithDetails("reason", "session revoked or expired")
	}

	if now.Sub(sess.LastSeenAt) >= touchInterval {
		if err := s.sessions.TouchSession(ctx, sess.ID, now); err != nil {
			s.log.WithContext(ctx).WithError(err).Debug("failed to touch session")
		}
	}

	role := claims.Role
	if _, ok := s.admins[claims.UserID]; ok {
		role = user.RoleAdmin
	}
	return Principal{UserID: claims.UserID, SessionID: claims.SessionID, Role: role}, nil
}

// Me returns the caller's account.
func (s *Service) Me(ctx context.Context, userID string) (user.User, error) {
	u, err := s.users.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return user.User{}, svcerrors.NotFound("User", userID)
	}
	if err != nil {
		return user.User{}, svcerrors.Internal("Failed to load user", err)
	}
	u.Role = s.resolveRole(u)
	return u, nil
}

// Logout revokes the caller's current session.
func (s *Service) Logout(ctx context.Context, userID, sessionID string) error {
	if err := s.revokeOwned(ctx, userID, sessionID, session.ReasonLogout); err != nil {
		return err
	}
	metrics.RecordSessionEvent("logout")
	return nil
}

// LogoutAll revokes every session of the user and returns how many were active.
func (s *Service) LogoutAll(ctx context.Context, userID string) (int, error) {
	revoked, err := s.sessions.RevokeUserSessions(ctx, userID, session.ReasonLogoutAll, s.now())
	if err != nil {
		return 0, svcerrors.Internal("Failed to revoke sessions", err)
	}
	s.announceRevoked(ctx, revoked)
	metrics.RecordSessionEvent("logout_all")
	s.log.WithContext(ctx).WithField("revoked", len(revoked)).Info("all sessions revoked")
	return len(revoked), nil
}

// ListSessions returns the user's active sessions, least recently used first.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]session.Session, error) {
	list, err := s.sessions.ListActiveSessions(ctx, userID, s.now())
	if err != nil {
		return nil, svcerrors.Internal("Failed to list sessions", err)
	}
	if list == nil {
		list = []session.Session{}
	}
	return list, nil
}

// RevokeSession revokes one of the user's sessions, typically another device.
func (s *Service) RevokeSession(ctx context.Context, userID, sessionID string) error {
	if err := s.revokeOwned(ctx, userID, sessionID, session.ReasonRevoked); err != nil {
		return err
	}
	metrics.RecordSessionEvent("revoke")
	return nil
}

func (s *Service) revokeOwned(ctx context.Context, userID, sessionID, reason string) error {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return svcerrors.NotFound("Session", sessionID)
	}
	if err != nil {
		return svcerrors.Internal("Failed to load session", err)
	}
	if sess.UserID != userID {
		return svcerrors.NotFound("Session", sessionID)
	}
	if sess.RevokedAt != nil {
		return nil
	}
	now := s.now()
	if err := s.sessions.RevokeSession(ctx, sessionID, reason, now); err != nil {
		return svcerrors.Internal("Failed to revoke session", err)
	}
	sess.RevokedAt = &now
	sess.RevokeReason = reason
	s.announceRevoked(ctx, []session.Session{sess})
	return nil
}

// PurgeSessions deletes sessions that expired, or were revoked before the
// retention window, and returns how many were removed.
func (s *Service) PurgeSessions(ctx context.Context, retention time.Duration) (int, error) {
	now := s.now()
	return s.sessions.PurgeSessions(ctx, now, now.Add(-retention))
}

func (s *Service) issue(u user.User, sessionID, refresh string, now time.Time) (TokenPair, error) {
	access, expiresAt, err := s.generateJWT(u.ID, sessionID, s.resolveRole(u), now)
	if err != nil {
		return TokenPair{}, svcerrors.Internal("Failed to sign token", err)
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.accessTTL.Seconds()),
		ExpiresAt:    expiresAt,
		SessionID:    sessionID,
	}, nil
}

func (s *Service) announceRevoked(ctx context.Context, revoked []session.Session) {
	for _, r := range revoked {
		switch r.RevokeReason {
		case session.ReasonKicked:
			metrics.RecordSessionEvent("kicked")
		case session.ReasonReplaced:
			metrics.RecordSessionEvent("replaced")
		}
		if s.notifier != nil {
			s.notifier.SessionRevoked(ctx, r.UserID, r)
		}
	}
}
