package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType distinguishes access from refresh tokens inside the signed claims.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// TokenClaims is the JWT payload shared by access and refresh tokens.
// Subject carries the user id and ID (jti) the token id.
type TokenClaims struct {
	SessionID string    `json:"sid"`
	Type      TokenType `json:"type"`
	jwt.RegisteredClaims
}

// IssuedToken is a signed token together with the identifiers and times encoded in it.
type IssuedToken struct {
	Token     string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// AuthenticatedPrincipal is the identity extracted from a valid access token.
type AuthenticatedPrincipal struct {
	UserID    string
	SessionID string
	TokenID   string
	ExpiresAt time.Time
}
