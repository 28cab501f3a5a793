package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/auth-gateway/internal/models"
	"github.com/noah-isme/auth-gateway/pkg/config"
)

// TokenIssuer mints and verifies signed access and refresh tokens.
type TokenIssuer interface {
	IssueAccessToken(userID, sessionID string) (models.IssuedToken, error)
	IssueRefreshToken(userID, sessionID string) (models.IssuedToken, error)
	Verify(token string, expected models.TokenType) (*models.TokenClaims, error)
	VerifyIgnoringExpiry(token string, expected models.TokenType) (*models.TokenClaims, error)
}

// TokenService signs HS256 JWTs with a single secret injected at construction.
type TokenService struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	leeway     time.Duration
	now        func() time.Time
}

// NewTokenService validates the signing configuration and builds the service.
func NewTokenService(cfg config.JWTConfig) (*TokenService, error) {
	if len(cfg.Secret) < config.MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes", config.MinSecretLength)
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token TTLs must be positive")
	}
	return &TokenService{
		secret:     []byte(cfg.Secret),
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		leeway:     cfg.ClockSkew,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// AccessTTL is the lifetime of issued access tokens.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL is the lifetime of issued refresh tokens.
func (s *TokenService) RefreshTTL() time.Duration { return s.refreshTTL }

// IssueAccessToken signs a short-lived access token.
func (s *TokenService) IssueAccessToken(userID, sessionID string) (models.IssuedToken, error) {
	return s.issue(userID, sessionID, models.TokenTypeAccess, s.accessTTL)
}

// IssueRefreshToken signs a refresh token with a fresh jti that doubles as its registry id.
func (s *TokenService) IssueRefreshToken(userID, sessionID string) (models.IssuedToken, error) {
	return s.issue(userID, sessionID, models.TokenTypeRefresh, s.refreshTTL)
}

func (s *TokenService) issue(userID, sessionID string, typ models.TokenType, ttl time.Duration) (models.IssuedToken, error) {
	issuedAt := s.now().Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl)
	tokenID := uuid.NewString()

	claims := &models.TokenClaims{
		SessionID: sessionID,
		Type:      typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    s.issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return models.IssuedToken{}, fmt.Errorf("sign %s token: %w", typ, err)
	}
	return models.IssuedToken{Token: signed, TokenID: tokenID, IssuedAt: issuedAt, ExpiresAt: expiresAt}, nil
}

// Verify checks signature, algorithm, issuer, expiry and token type.
func (s *TokenService) Verify(token string, expected models.TokenType) (*models.TokenClaims, error) {
	return s.parse(token, expected, jwt.WithLeeway(s.leeway), jwt.WithExpirationRequired())
}

// VerifyIgnoringExpiry checks everything Verify does except the time-based claims. Logout uses it
// so an expired refresh token can still end its session.
func (s *TokenService) VerifyIgnoringExpiry(token string, expected models.TokenType) (*models.TokenClaims, error) {
	return s.parse(token, expected, jwt.WithoutClaimsValidation())
}

func (s *TokenService) parse(token string, expected models.TokenType, opts ...jwt.ParserOption) (*models.TokenClaims, error) {
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &models.TokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, classifyTokenError(err)
	}
	if !parsed.Valid {
		return nil, models.ErrTokenMalformed
	}
	if claims.Subject == "" || claims.ID == "" || claims.SessionID == "" {
		return nil, models.ErrTokenMalformed
	}
	if claims.Type != expected {
		return nil, models.ErrTokenWrongType
	}
	// WithoutClaimsValidation skips the issuer check too
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, models.ErrTokenBadSignature
	}
	return claims, nil
}

func classifyTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return models.ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return models.ErrTokenBadSignature
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return models.ErrTokenBadSignature
	default:
		return models.ErrTokenMalformed
	}
}
