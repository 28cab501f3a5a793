package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/auth-gateway/internal/models"
	"github.com/noah-isme/auth-gateway/pkg/cache"
)

// revokeSessionLua defines revoke_session, which marks a session and every token in it revoked.
const revokeSessionLua = `
local function revoke_session(prefix, sid, now)
  local sessKey = prefix .. ':sess:' .. sid
  if redis.call('EXISTS', sessKey) == 1 and redis.call('HGET', sessKey, 'revoked') ~= '1' then
    redis.call('HSET', sessKey, 'revoked', '1', 'revoked_at', now)
  end
  for _, jti in ipairs(redis.call('SMEMBERS', prefix .. ':sess_tokens:' .. sid)) do
    local tk = prefix .. ':rt:' .. jti
    if redis.call('EXISTS', tk) == 1 then
      redis.call('HSET', tk, 'revoked', '1')
    end
  end
end
`

// rotateScript performs the whole compare-and-swap on the server. Replies:
// {"ok", sid, uid}, {"reuse", sid, uid} or {"missing"}.
var rotateScript = redis.NewScript(revokeSessionLua + `
local old = KEYS[1]
local prefix = ARGV[1]
local newId = ARGV[2]
local issued = ARGV[3]
local expires = tonumber(ARGV[4])
local now = tonumber(ARGV[5])

if redis.call('EXISTS', old) == 0 then
  return {'missing'}
end

local f = redis.call('HMGET', old, 'session_id', 'user_id', 'revoked', 'replaced_by', 'expires_at')
local sid, uid, revoked, replaced, exp = f[1], f[2], f[3], f[4], tonumber(f[5])
local sessKey = prefix .. ':sess:' .. sid
local sessRevoked = redis.call('HGET', sessKey, 'revoked')
if not sessRevoked then
  return {'missing'}
end

if revoked == '1' or (replaced and replaced ~= '') or sessRevoked == '1' then
  revoke_session(prefix, sid, now)
  return {'reuse', sid, uid}
end

if exp and exp <= now then
  return {'missing'}
end

redis.call('HSET', old, 'revoked', '1', 'replaced_by', newId, 'revoked_at', now)

local newKey = prefix .. ':rt:' .. newId
redis.call('HSET', newKey, 'session_id', sid, 'user_id', uid, 'issued_at', issued, 'expires_at', expires, 'revoked', '0', 'replaced_by', '')
redis.call('PEXPIREAT', newKey, expires)

local tokensKey = prefix .. ':sess_tokens:' .. sid
redis.call('SADD', tokensKey, newId)

local sessExp = tonumber(redis.call('HGET', sessKey, 'expires_at'))
if sessExp == nil or expires > sessExp then
  redis.call('HSET', sessKey, 'expires_at', expires)
  redis.call('PEXPIREAT', sessKey, expires)
  redis.call('PEXPIREAT', tokensKey, expires)
  redis.call('PEXPIREAT', prefix .. ':user_sess:' .. uid, expires)
end

return {'ok', sid, uid}
`)

var revokeScript = redis.NewScript(revokeSessionLua + `
revoke_session(ARGV[1], ARGV[2], ARGV[3])
return 1
`)

// RedisSessionRepository keeps refresh sessions in Redis hashes that expire with their tokens.
//
//	auth:rt:{jti}            token hash
//	auth:sess:{sid}          session hash
//	auth:sess_tokens:{sid}   set of jti issued in the session
//	auth:user_sess:{uid}     set of sid owned by the user
//
// The Lua scripts derive session keys from the token hash they load, so they touch keys not
// declared in KEYS. That only holds on a single node, hence the concrete *redis.Client.
type RedisSessionRepository struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisSessionRepository constructs the registry.
func NewRedisSessionRepository(client *redis.Client) *RedisSessionRepository {
	return &RedisSessionRepository{client: client, now: func() time.Time { return time.Now().UTC() }}
}

func tokenKey(jti string) string { return cache.Key("rt", jti) }

func sessionKey(sid string) string { return cache.Key("sess", sid) }

func sessionTokensKey(sid string) string { return cache.Key("sess_tokens", sid) }

func userSessionsKey(uid string) string { return cache.Key("user_sess", uid) }

// CreateSession opens a new lineage for userID.
func (r *RedisSessionRepository) CreateSession(ctx context.Context, userID string, expiresAt time.Time) (string, error) {
	sid := uuid.NewString()
	now := r.now()

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey(sid),
			"user_id", userID,
			"created_at", now.UnixMilli(),
			"expires_at", expiresAt.UnixMilli(),
			"revoked", "0",
		)
		pipe.PExpireAt(ctx, sessionKey(sid), expiresAt)
		pipe.SAdd(ctx, userSessionsKey(userID), sid)
		pipe.PExpireAt(ctx, userSessionsKey(userID), expiresAt)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redis create session: %w", err)
	}
	return sid, nil
}

// RecordIssued stores the first refresh token of a session.
func (r *RedisSessionRepository) RecordIssued(ctx context.Context, sessionID, userID, tokenID string, issuedAt, expiresAt time.Time) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, tokenKey(tokenID),
			"session_id", sessionID,
			"user_id", userID,
			"issued_at", issuedAt.UnixMilli(),
			"expires_at", expiresAt.UnixMilli(),
			"revoked", "0",
			"replaced_by", "",
		)
		pipe.PExpireAt(ctx, tokenKey(tokenID), expiresAt)
		pipe.SAdd(ctx, sessionTokensKey(sessionID), tokenID)
		pipe.PExpireAt(ctx, sessionTokensKey(sessionID), expiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis record refresh token: %w", err)
	}
	return nil
}

// Rotate atomically retires oldTokenID in favour of next. Presenting a token that was already
// rotated or revoked revokes the whole session and returns ErrReuseDetected.
func (r *RedisSessionRepository) Rotate(ctx context.Context, oldTokenID string, next models.IssuedRefresh) (*models.RefreshSession, error) {
	reply, err := rotateScript.Run(ctx, r.client,
		[]string{tokenKey(oldTokenID)},
		cache.Namespace,
		next.TokenID,
		next.IssuedAt.UnixMilli(),
		next.ExpiresAt.UnixMilli(),
		r.now().UnixMilli(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redis rotate: %w", err)
	}
	if len(reply) == 0 {
		return nil, errors.New("redis rotate: empty reply")
	}

	switch reply[0] {
	case "ok":
		return &models.RefreshSession{
			TokenID:   next.TokenID,
			SessionID: reply[1],
			UserID:    reply[2],
			IssuedAt:  next.IssuedAt,
			ExpiresAt: next.ExpiresAt,
		}, nil
	case "reuse":
		return nil, models.ErrReuseDetected
	case "missing":
		return nil, models.ErrSessionNotFound
	default:
		return nil, fmt.Errorf("redis rotate: unexpected reply %q", reply[0])
	}
}

// RevokeSession revokes a session and all of its refresh tokens. Revoking twice is a no-op.
func (r *RedisSessionRepository) RevokeSession(ctx context.Context, sessionID string) error {
	if err := revokeScript.Run(ctx, r.client, nil, cache.Namespace, sessionID, r.now().UnixMilli()).Err(); err != nil {
		return fmt.Errorf("redis revoke session: %w", err)
	}
	return nil
}

// RevokeUserSessions revokes every session recorded for userID.
func (r *RedisSessionRepository) RevokeUserSessions(ctx context.Context, userID string) error {
	sids, err := r.client.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("redis list user sessions: %w", err)
	}
	for _, sid := range sids {
		if err := r.RevokeSession(ctx, sid); err != nil {
			return err
		}
	}
	return nil
}

// IsActive reports whether tokenID can still be exchanged.
func (r *RedisSessionRepository) IsActive(ctx context.Context, tokenID string) (bool, error) {
	fields, err := r.client.HMGet(ctx, tokenKey(tokenID), "session_id", "revoked", "replaced_by", "expires_at").Result()
	if err != nil {
		return false, fmt.Errorf("redis load refresh token: %w", err)
	}
	sid, _ := fields[0].(string)
	if sid == "" {
		return false, nil
	}
	revoked, _ := fields[1].(string)
	replaced, _ := fields[2].(string)
	expRaw, _ := fields[3].(string)
	expMillis, err := strconv.ParseInt(expRaw, 10, 64)
	if err != nil {
		return false, fmt.Errorf("redis parse token expiry: %w", err)
	}

	sessRevoked, err := r.client.HGet(ctx, sessionKey(sid), "revoked").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis load session: %w", err)
	}

	return revoked != "1" && replaced == "" && sessRevoked != "1" && r.now().UnixMilli() < expMillis, nil
}

// PurgeExpired is a no-op: every key carries a TTL.
func (r *RedisSessionRepository) PurgeExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}
