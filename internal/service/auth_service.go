package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/auth-gateway/internal/models"
	appErrors "github.com/noah-isme/auth-gateway/pkg/errors"
)

// Password length policy. bcrypt ignores input past 72 bytes, so longer passwords are refused.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 72
)

// CredentialStore persists user accounts.
type CredentialStore interface {
	Create(ctx context.Context, user *models.User) error
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	TouchLastLogin(ctx context.Context, id string, ts time.Time) error
	UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error
	Deactivate(ctx context.Context, id string, ts time.Time) error
}

// SessionRegistry is the authoritative refresh token lineage store.
type SessionRegistry interface {
	CreateSession(ctx context.Context, userID string, expiresAt time.Time) (string, error)
	RecordIssued(ctx context.Context, sessionID, userID, tokenID string, issuedAt, expiresAt time.Time) error
	Rotate(ctx context.Context, oldTokenID string, next models.IssuedRefresh) (*models.RefreshSession, error)
	RevokeSession(ctx context.Context, sessionID string) error
	RevokeUserSessions(ctx context.Context, userID string) error
	IsActive(ctx context.Context, tokenID string) (bool, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// AuthConfig defines configuration for authentication flows.
type AuthConfig struct {
	RefreshTokenTTL time.Duration
	StoreTimeout    time.Duration
}

// AuthDependencies groups the collaborators of AuthService.
type AuthDependencies struct {
	Users    CredentialStore
	Hasher   PasswordHasher
	Tokens   TokenIssuer
	Sessions SessionRegistry
	Limiter  LoginLimiter
	Audit    AuditRecorder
	Metrics  *MetricsService
}

// AuthService orchestrates registration, login, refresh rotation and logout.
type AuthService struct {
	users     CredentialStore
	hasher    PasswordHasher
	tokens    TokenIssuer
	sessions  SessionRegistry
	limiter   LoginLimiter
	audit     AuditRecorder
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	config    AuthConfig
	now       func() time.Time

	// dummyHash is verified when the email is unknown so both paths pay the same hashing cost.
	dummyHash string
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(deps AuthDependencies, validate *validator.Validate, logger *zap.Logger, config AuthConfig) (*AuthService, error) {
	if deps.Users == nil || deps.Hasher == nil || deps.Tokens == nil || deps.Sessions == nil || deps.Limiter == nil {
		return nil, errors.New("auth service: missing dependency")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = 3 * time.Second
	}
	if deps.Audit == nil {
		deps.Audit = noopAudit{}
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("dummy hash seed: %w", err)
	}
	dummy, err := deps.Hasher.Hash(hex.EncodeToString(seed)[:MaxPasswordLength/2])
	if err != nil {
		return nil, fmt.Errorf("dummy hash: %w", err)
	}

	return &AuthService{
		users:     deps.Users,
		hasher:    deps.Hasher,
		tokens:    deps.Tokens,
		sessions:  deps.Sessions,
		limiter:   deps.Limiter,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		validator: validate,
		logger:    logger,
		config:    config,
		now:       func() time.Time { return time.Now().UTC() },
		dummyHash: dummy,
	}, nil
}

// NormalizeEmail lower-cases and trims an email before any lookup or uniqueness check.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an account and logs it in.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (*models.AuthResponse, error) {
	req.Email = NormalizeEmail(req.Email)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}
	if len(req.Password) < MinPasswordLength || len(req.Password) > MaxPasswordLength {
		return nil, appErrors.Clone(appErrors.ErrWeakPassword, fmt.Sprintf("password must be between %d and %d bytes", MinPasswordLength, MaxPasswordLength))
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{Email: req.Email, PasswordHash: hash, IsActive: true, CreatedAt: s.now()}
	err = s.call(ctx, "users.create", func(ctx context.Context) error {
		return s.users.Create(ctx, user)
	})
	if err != nil {
		if errors.Is(err, models.ErrDuplicateEmail) {
			s.metrics.RecordAuthEvent("register", "conflict")
			return nil, appErrors.Clone(appErrors.ErrEmailTaken, "")
		}
		return nil, s.unavailable("users.create", err)
	}

	resp, err := s.startSession(ctx, user)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordAuthEvent("register", "success")
	s.audit.Record(ctx, AuditEvent{UserID: user.ID, Action: models.AuditActionRegister, IP: req.IP, UserAgent: req.UserAgent})
	return resp, nil
}

// Authenticate verifies credentials and opens a new session.
func (s *AuthService) Authenticate(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	req.Email = NormalizeEmail(req.Email)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	key := s.limiter.Key(req.Email, req.IP)
	err := s.call(ctx, "limiter.acquire", func(ctx context.Context) error {
		return s.limiter.Acquire(ctx, key)
	})
	if err != nil {
		var rlErr *RateLimitError
		if errors.As(err, &rlErr) {
			s.metrics.RecordRateLimited()
			s.metrics.RecordAuthEvent("login", "rate_limited")
			return nil, appErrors.RateLimited(rlErr.RetryAfter)
		}
		return nil, s.unavailable("limiter.acquire", err)
	}

	var user *models.User
	err = s.call(ctx, "users.find_by_email", func(ctx context.Context) error {
		var findErr error
		user, findErr = s.users.FindByEmail(ctx, req.Email)
		return findErr
	})
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, s.unavailable("users.find_by_email", err)
	}

	if user == nil {
		_, _ = s.hasher.Verify(req.Password, s.dummyHash)
		return nil, s.rejectLogin(ctx, "", req)
	}

	ok, err := s.hasher.Verify(req.Password, user.PasswordHash)
	if err != nil {
		s.logger.Error("stored credential cannot be verified", zap.String("user_id", user.ID), zap.Error(err))
		return nil, s.rejectLogin(ctx, user.ID, req)
	}
	if !ok {
		return nil, s.rejectLogin(ctx, user.ID, req)
	}
	if !user.IsActive {
		s.metrics.RecordAuthEvent("login", "inactive")
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
	}

	if err := s.call(ctx, "limiter.reset", func(ctx context.Context) error {
		return s.limiter.Reset(ctx, key)
	}); err != nil {
		s.logger.Warn("failed to reset login attempts", zap.String("user_id", user.ID), zap.Error(err))
	}

	resp, err := s.startSession(ctx, user)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.call(ctx, "users.touch_last_login", func(ctx context.Context) error {
		return s.users.TouchLastLogin(ctx, user.ID, now)
	}); err != nil {
		s.logger.Warn("failed to update last login", zap.String("user_id", user.ID), zap.Error(err))
	}
	s.upgradeHash(ctx, user, req.Password)

	s.metrics.RecordAuthEvent("login", "success")
	s.audit.Record(ctx, AuditEvent{UserID: user.ID, Action: models.AuditActionLogin, IP: req.IP, UserAgent: req.UserAgent})
	return resp, nil
}

// Refresh exchanges a refresh token for a new pair. The presented token is spent either way.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshTokenRequest) (*models.AuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	claims, err := s.tokens.Verify(req.RefreshToken, models.TokenTypeRefresh)
	if err != nil {
		s.metrics.RecordAuthEvent("refresh", "invalid")
		return nil, tokenError(err)
	}

	var user *models.User
	err = s.call(ctx, "users.find_by_id", func(ctx context.Context) error {
		var findErr error
		user, findErr = s.users.FindByID(ctx, claims.Subject)
		return findErr
	})
	switch {
	case errors.Is(err, models.ErrNotFound):
		return nil, appErrors.Clone(appErrors.ErrInvalidToken, "")
	case err != nil:
		return nil, s.unavailable("users.find_by_id", err)
	case !user.IsActive:
		s.metrics.RecordAuthEvent("refresh", "inactive")
		return nil, appErrors.Clone(appErrors.ErrInvalidToken, "")
	}

	next, err := s.tokens.IssueRefreshToken(user.ID, claims.SessionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}

	err = s.call(ctx, "sessions.rotate", func(ctx context.Context) error {
		_, rotateErr := s.sessions.Rotate(ctx, claims.ID, models.IssuedRefresh{
			TokenID:   next.TokenID,
			IssuedAt:  next.IssuedAt,
			ExpiresAt: next.ExpiresAt,
		})
		return rotateErr
	})
	switch {
	case errors.Is(err, models.ErrReuseDetected):
		s.metrics.RecordReuseDetected()
		s.metrics.RecordAuthEvent("refresh", "reuse")
		s.logger.Warn("refresh token reuse detected, session revoked",
			zap.String("user_id", user.ID),
			zap.String("session_id", claims.SessionID),
		)
		s.audit.Record(ctx, AuditEvent{
			UserID:    user.ID,
			Action:    models.AuditActionReuseDetected,
			IP:        req.IP,
			UserAgent: req.UserAgent,
			Details:   map[string]any{"session_id": claims.SessionID, "token_id": claims.ID},
		})
		return nil, appErrors.Clone(appErrors.ErrInvalidToken, "")
	case errors.Is(err, models.ErrSessionNotFound), errors.Is(err, models.ErrSessionRevoked):
		s.metrics.RecordAuthEvent("refresh", "invalid")
		return nil, appErrors.Clone(appErrors.ErrInvalidToken, "")
	case err != nil:
		return nil, s.unavailable("sessions.rotate", err)
	}

	access, err := s.tokens.IssueAccessToken(user.ID, claims.SessionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	s.metrics.RecordAuthEvent("refresh", "success")
	s.audit.Record(ctx, AuditEvent{UserID: user.ID, Action: models.AuditActionRefresh, IP: req.IP, UserAgent: req.UserAgent})
	return s.pair(access, next, nil), nil
}

// ValidateAccess checks an access token without consulting any store.
func (s *AuthService) ValidateAccess(token string) (*models.AuthenticatedPrincipal, error) {
	claims, err := s.tokens.Verify(token, models.TokenTypeAccess)
	if err != nil {
		return nil, tokenError(err)
	}
	principal := &models.AuthenticatedPrincipal{
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
		TokenID:   claims.ID,
	}
	if claims.ExpiresAt != nil {
		principal.ExpiresAt = claims.ExpiresAt.Time
	}
	return principal, nil
}

// Logout revokes the session owning the refresh token. Repeating it is harmless.
func (s *AuthService) Logout(ctx context.Context, principal *models.AuthenticatedPrincipal, req models.LogoutRequest) error {
	if principal == nil {
		return appErrors.Clone(appErrors.ErrUnauthorized, "")
	}
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid logout payload")
	}

	claims, err := s.tokens.VerifyIgnoringExpiry(req.RefreshToken, models.TokenTypeRefresh)
	if err != nil {
		return appErrors.Clone(appErrors.ErrInvalidToken, "")
	}
	if claims.Subject != principal.UserID {
		return appErrors.Clone(appErrors.ErrInvalidToken, "refresh token does not belong to the caller")
	}

	if err := s.call(ctx, "sessions.revoke", func(ctx context.Context) error {
		return s.sessions.RevokeSession(ctx, claims.SessionID)
	}); err != nil {
		return s.unavailable("sessions.revoke", err)
	}

	s.metrics.RecordAuthEvent("logout", "success")
	s.audit.Record(ctx, AuditEvent{
		UserID:    principal.UserID,
		Action:    models.AuditActionLogout,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Details:   map[string]any{"session_id": claims.SessionID},
	})
	return nil
}

// LogoutAll revokes every session of the caller.
func (s *AuthService) LogoutAll(ctx context.Context, principal *models.AuthenticatedPrincipal, meta models.RequestMeta) error {
	if principal == nil {
		return appErrors.Clone(appErrors.ErrUnauthorized, "")
	}
	if err := s.call(ctx, "sessions.revoke_user", func(ctx context.Context) error {
		return s.sessions.RevokeUserSessions(ctx, principal.UserID)
	}); err != nil {
		return s.unavailable("sessions.revoke_user", err)
	}

	s.metrics.RecordAuthEvent("logout_all", "success")
	s.audit.Record(ctx, AuditEvent{UserID: principal.UserID, Action: models.AuditActionLogoutAll, IP: meta.IP, UserAgent: meta.UserAgent})
	return nil
}

// Deactivate disables the caller's account and ends all of its sessions.
func (s *AuthService) Deactivate(ctx context.Context, principal *models.AuthenticatedPrincipal, meta models.RequestMeta) error {
	if principal == nil {
		return appErrors.Clone(appErrors.ErrUnauthorized, "")
	}
	now := s.now()
	err := s.call(ctx, "users.deactivate", func(ctx context.Context) error {
		return s.users.Deactivate(ctx, principal.UserID, now)
	})
	switch {
	case errors.Is(err, models.ErrNotFound):
		return appErrors.Clone(appErrors.ErrUnauthorized, "")
	case err != nil:
		return s.unavailable("users.deactivate", err)
	}

	if err := s.call(ctx, "sessions.revoke_user", func(ctx context.Context) error {
		return s.sessions.RevokeUserSessions(ctx, principal.UserID)
	}); err != nil {
		return s.unavailable("sessions.revoke_user", err)
	}

	s.metrics.RecordAuthEvent("deactivate", "success")
	s.audit.Record(ctx, AuditEvent{UserID: principal.UserID, Action: models.AuditActionDeactivate, IP: meta.IP, UserAgent: meta.UserAgent})
	return nil
}

// Me returns the public profile of the caller.
func (s *AuthService) Me(ctx context.Context, principal *models.AuthenticatedPrincipal) (*models.UserInfo, error) {
	if principal == nil {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "")
	}
	var user *models.User
	err := s.call(ctx, "users.find_by_id", func(ctx context.Context) error {
		var findErr error
		user, findErr = s.users.FindByID(ctx, principal.UserID)
		return findErr
	})
	switch {
	case errors.Is(err, models.ErrNotFound):
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "")
	case err != nil:
		return nil, s.unavailable("users.find_by_id", err)
	}
	info := user.Info()
	return &info, nil
}

// startSession creates a lineage for user and issues its first token pair.
func (s *AuthService) startSession(ctx context.Context, user *models.User) (*models.AuthResponse, error) {
	var sessionID string
	err := s.call(ctx, "sessions.create", func(ctx context.Context) error {
		var createErr error
		sessionID, createErr = s.sessions.CreateSession(ctx, user.ID, s.now().Add(s.config.RefreshTokenTTL))
		return createErr
	})
	if err != nil {
		return nil, s.unavailable("sessions.create", err)
	}

	refresh, err := s.tokens.IssueRefreshToken(user.ID, sessionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}
	if err := s.call(ctx, "sessions.record", func(ctx context.Context) error {
		return s.sessions.RecordIssued(ctx, sessionID, user.ID, refresh.TokenID, refresh.IssuedAt, refresh.ExpiresAt)
	}); err != nil {
		return nil, s.unavailable("sessions.record", err)
	}

	access, err := s.tokens.IssueAccessToken(user.ID, sessionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	info := user.Info()
	return s.pair(access, refresh, &info), nil
}

func (s *AuthService) pair(access, refresh models.IssuedToken, user *models.UserInfo) *models.AuthResponse {
	return &models.AuthResponse{
		AccessToken:  access.Token,
		RefreshToken: refresh.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(access.ExpiresAt.Sub(access.IssuedAt).Seconds()),
		User:         user,
	}
}

// rejectLogin returns the generic credential error. The attempt was already counted by Acquire.
func (s *AuthService) rejectLogin(ctx context.Context, userID string, req models.LoginRequest) error {
	s.metrics.RecordAuthEvent("login", "failure")
	s.audit.Record(ctx, AuditEvent{UserID: userID, Action: models.AuditActionLoginFailed, IP: req.IP, UserAgent: req.UserAgent})
	return appErrors.Clone(appErrors.ErrInvalidCredentials, "")
}

func (s *AuthService) upgradeHash(ctx context.Context, user *models.User, password string) {
	if !s.hasher.NeedsRehash(user.PasswordHash) {
		return
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.Warn("failed to rehash password", zap.String("user_id", user.ID), zap.Error(err))
		return
	}
	now := s.now()
	if err := s.call(ctx, "users.update_password", func(ctx context.Context) error {
		return s.users.UpdatePassword(ctx, user.ID, hash, now)
	}); err != nil {
		s.logger.Warn("failed to persist rehashed password", zap.String("user_id", user.ID), zap.Error(err))
	}
}

// call runs fn under the store timeout and records its latency.
func (s *AuthService) call(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()
	start := time.Now()
	err := fn(ctx)
	s.metrics.ObserveStore(op, time.Since(start))
	return err
}

func (s *AuthService) unavailable(op string, err error) error {
	s.logger.Error("backing store call failed", zap.String("op", op), zap.Error(err))
	return appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, appErrors.ErrUnavailable.Message)
}

func tokenError(err error) error {
	if errors.Is(err, models.ErrTokenExpired) {
		return appErrors.Wrap(err, appErrors.ErrTokenExpired.Code, appErrors.ErrTokenExpired.Status, appErrors.ErrTokenExpired.Message)
	}
	return appErrors.Wrap(err, appErrors.ErrInvalidToken.Code, appErrors.ErrInvalidToken.Status, appErrors.ErrInvalidToken.Message)
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEvent) {}
