package models

import "errors"

// Sentinel errors shared by repositories and services.
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateEmail    = errors.New("email already registered")
	ErrCorruptCredential = errors.New("stored credential is malformed")

	ErrSessionNotFound = errors.New("session not found")
	ErrSessionRevoked  = errors.New("session revoked")
	ErrReuseDetected   = errors.New("refresh token reuse detected")

	ErrTokenExpired      = errors.New("token expired")
	ErrTokenBadSignature = errors.New("token signature invalid")
	ErrTokenWrongType    = errors.New("token type mismatch")
	ErrTokenMalformed    = errors.New("token malformed")
)
