package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/auth-gateway/internal/models"
)

// PostgresSessionRepository keeps refresh sessions in PostgreSQL. Rotation relies on a conditional
// UPDATE so that of two concurrent exchanges of the same token exactly one matches the row.
type PostgresSessionRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewPostgresSessionRepository constructs the registry.
func NewPostgresSessionRepository(db *sqlx.DB) *PostgresSessionRepository {
	return &PostgresSessionRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// CreateSession opens a new lineage for userID.
func (r *PostgresSessionRepository) CreateSession(ctx context.Context, userID string, expiresAt time.Time) (string, error) {
	id := uuid.NewString()
	const query = `INSERT INTO sessions (id, user_id, created_at, expires_at, revoked) VALUES ($1, $2, $3, $4, FALSE)`
	if _, err := r.db.ExecContext(ctx, query, id, userID, r.now(), expiresAt); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// RecordIssued stores the first refresh token of a session.
func (r *PostgresSessionRepository) RecordIssued(ctx context.Context, sessionID, userID, tokenID string, issuedAt, expiresAt time.Time) error {
	const query = `INSERT INTO refresh_sessions (token_id, session_id, user_id, issued_at, expires_at, revoked) VALUES ($1, $2, $3, $4, $5, FALSE)`
	if _, err := r.db.ExecContext(ctx, query, tokenID, sessionID, userID, issuedAt, expiresAt); err != nil {
		return fmt.Errorf("record refresh token: %w", err)
	}
	return nil
}

// Rotate atomically retires oldTokenID in favour of next. Presenting a token that was already
// rotated or revoked revokes the whole session and returns ErrReuseDetected.
func (r *PostgresSessionRepository) Rotate(ctx context.Context, oldTokenID string, next models.IssuedRefresh) (*models.RefreshSession, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rotate: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := r.now()
	const claim = `UPDATE refresh_sessions AS r
SET revoked = TRUE, revoked_at = $3, replaced_by = $2
FROM sessions AS s
WHERE r.token_id = $1 AND r.session_id = s.id
  AND r.revoked = FALSE AND r.replaced_by IS NULL AND s.revoked = FALSE AND r.expires_at > $3
RETURNING r.session_id, r.user_id`

	var owner struct {
		SessionID string `db:"session_id"`
		UserID    string `db:"user_id"`
	}
	err = tx.GetContext(ctx, &owner, claim, oldTokenID, next.TokenID, now)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, r.rejectRotation(ctx, tx, oldTokenID, now)
	case err != nil:
		return nil, fmt.Errorf("claim refresh token: %w", err)
	}

	successor := &models.RefreshSession{
		TokenID:   next.TokenID,
		SessionID: owner.SessionID,
		UserID:    owner.UserID,
		IssuedAt:  next.IssuedAt,
		ExpiresAt: next.ExpiresAt,
	}
	const insert = `INSERT INTO refresh_sessions (token_id, session_id, user_id, issued_at, expires_at, revoked)
VALUES (:token_id, :session_id, :user_id, :issued_at, :expires_at, FALSE)`
	if _, err := tx.NamedExecContext(ctx, insert, successor); err != nil {
		return nil, fmt.Errorf("insert successor token: %w", err)
	}

	const extend = `UPDATE sessions SET expires_at = GREATEST(expires_at, $2) WHERE id = $1`
	if _, err := tx.ExecContext(ctx, extend, owner.SessionID, next.ExpiresAt); err != nil {
		return nil, fmt.Errorf("extend session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rotate: %w", err)
	}
	return successor, nil
}

// rejectRotation works out why the claim matched nothing. A known but spent token is treated as
// theft: its session is revoked inside the same transaction.
func (r *PostgresSessionRepository) rejectRotation(ctx context.Context, tx *sqlx.Tx, tokenID string, now time.Time) error {
	const lookup = `SELECT r.session_id, r.revoked, r.replaced_by, r.expires_at, s.revoked AS session_revoked
FROM refresh_sessions AS r JOIN sessions AS s ON s.id = r.session_id
WHERE r.token_id = $1`

	var row struct {
		SessionID      string    `db:"session_id"`
		Revoked        bool      `db:"revoked"`
		ReplacedBy     *string   `db:"replaced_by"`
		ExpiresAt      time.Time `db:"expires_at"`
		SessionRevoked bool      `db:"session_revoked"`
	}
	if err := tx.GetContext(ctx, &row, lookup, tokenID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrSessionNotFound
		}
		return fmt.Errorf("inspect refresh token: %w", err)
	}

	if !row.Revoked && row.ReplacedBy == nil && !row.SessionRevoked && !row.ExpiresAt.After(now) {
		return models.ErrSessionNotFound
	}

	if err := revokeSessionTx(ctx, tx, row.SessionID, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session revocation: %w", err)
	}
	return models.ErrReuseDetected
}

// RevokeSession revokes a session and all of its refresh tokens. Revoking twice is a no-op.
func (r *PostgresSessionRepository) RevokeSession(ctx context.Context, sessionID string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revoke: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := revokeSessionTx(ctx, tx, sessionID, r.now()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revoke: %w", err)
	}
	return nil
}

// RevokeUserSessions revokes every open session belonging to userID.
func (r *PostgresSessionRepository) RevokeUserSessions(ctx context.Context, userID string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revoke user sessions: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := r.now()
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET revoked = TRUE, revoked_at = $2 WHERE user_id = $1 AND revoked = FALSE`, userID, now); err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE refresh_sessions SET revoked = TRUE, revoked_at = $2 WHERE user_id = $1 AND revoked = FALSE`, userID, now); err != nil {
		return fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revoke user sessions: %w", err)
	}
	return nil
}

// IsActive reports whether tokenID can still be exchanged.
func (r *PostgresSessionRepository) IsActive(ctx context.Context, tokenID string) (bool, error) {
	const query = `SELECT r.token_id, r.session_id, r.user_id, r.issued_at, r.expires_at, r.revoked, r.revoked_at, r.replaced_by
FROM refresh_sessions AS r JOIN sessions AS s ON s.id = r.session_id
WHERE r.token_id = $1 AND s.revoked = FALSE`
	var rs models.RefreshSession
	if err := r.db.GetContext(ctx, &rs, query, tokenID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("load refresh token: %w", err)
	}
	return rs.Usable(r.now()), nil
}

// PurgeExpired deletes sessions whose lifetime ended before the cutoff. Refresh rows cascade.
func (r *PostgresSessionRepository) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}
	return n, nil
}

func revokeSessionTx(ctx context.Context, tx *sqlx.Tx, sessionID string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET revoked = TRUE, revoked_at = $2 WHERE id = $1 AND revoked = FALSE`, sessionID, now); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE refresh_sessions SET revoked = TRUE, revoked_at = $2 WHERE session_id = $1 AND revoked = FALSE`, sessionID, now); err != nil {
		return fmt.Errorf("revoke session tokens: %w", err)
	}
	return nil
}
