package models

import "time"

// Session is the head of a refresh token lineage created at login. Revoking it invalidates every
// refresh token descended from that login.
type Session struct {
	ID        string     `db:"id" json:"id"`
	UserID    string     `db:"user_id" json:"user_id"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	ExpiresAt time.Time  `db:"expires_at" json:"expires_at"`
	Revoked   bool       `db:"revoked" json:"revoked"`
	RevokedAt *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
}

// RefreshSession records one issued refresh token. TokenID equals the token's jti claim.
type RefreshSession struct {
	TokenID    string     `db:"token_id" json:"token_id"`
	SessionID  string     `db:"session_id" json:"session_id"`
	UserID     string     `db:"user_id" json:"user_id"`
	IssuedAt   time.Time  `db:"issued_at" json:"issued_at"`
	ExpiresAt  time.Time  `db:"expires_at" json:"expires_at"`
	Revoked    bool       `db:"revoked" json:"revoked"`
	RevokedAt  *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	ReplacedBy *string    `db:"replaced_by" json:"replaced_by,omitempty"`
}

// Usable reports whether the token can still be exchanged at now.
func (r *RefreshSession) Usable(now time.Time) bool {
	return !r.Revoked && r.ReplacedBy == nil && now.Before(r.ExpiresAt)
}

// IssuedRefresh describes a freshly signed successor handed to the registry during rotation.
type IssuedRefresh struct {
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}
