//go:build integration

package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/noah-isme/auth-gateway/internal/models"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx,
		"docker.io/redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("* Ready to accept connections").
				WithOccurrence(1).
				WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func issueFirst(t *testing.T, repo *RedisSessionRepository, userID string) (string, string) {
	t.Helper()
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	sid, err := repo.CreateSession(ctx, userID, exp)
	require.NoError(t, err)
	jti := uuid.NewString()
	require.NoError(t, repo.RecordIssued(ctx, sid, userID, jti, time.Now(), exp))
	return sid, jti
}

func successor() models.IssuedRefresh {
	return models.IssuedRefresh{TokenID: uuid.NewString(), IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
}

func TestRedisSessionRotation(t *testing.T) {
	client := startRedis(t)
	repo := NewRedisSessionRepository(client)
	ctx := context.Background()

	sid, first := issueFirst(t, repo, "u1")

	next := successor()
	rs, err := repo.Rotate(ctx, first, next)
	require.NoError(t, err)
	assert.Equal(t, sid, rs.SessionID)
	assert.Equal(t, "u1", rs.UserID)

	active, err := repo.IsActive(ctx, first)
	require.NoError(t, err)
	assert.False(t, active)
	active, err = repo.IsActive(ctx, next.TokenID)
	require.NoError(t, err)
	assert.True(t, active)

	ttl, err := client.PTTL(ctx, tokenKey(next.TokenID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	// replaying the spent token burns the whole lineage
	_, err = repo.Rotate(ctx, first, successor())
	assert.ErrorIs(t, err, models.ErrReuseDetected)
	active, err = repo.IsActive(ctx, next.TokenID)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestRedisConcurrentRotateHasOneWinner(t *testing.T) {
	client := startRedis(t)
	repo := NewRedisSessionRepository(client)
	ctx := context.Background()

	_, first := issueFirst(t, repo, "u1")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		reuse   int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Rotate(ctx, first, successor())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case errors.Is(err, models.ErrReuseDetected):
				reuse++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	assert.Equal(t, 1, reuse)
}

func TestRedisRotateUnknownToken(t *testing.T) {
	client := startRedis(t)
	repo := NewRedisSessionRepository(client)

	_, err := repo.Rotate(context.Background(), uuid.NewString(), successor())
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestRedisRevokeSessionAndUserSessions(t *testing.T) {
	client := startRedis(t)
	repo := NewRedisSessionRepository(client)
	ctx := context.Background()

	sid, first := issueFirst(t, repo, "u1")
	require.NoError(t, repo.RevokeSession(ctx, sid))
	require.NoError(t, repo.RevokeSession(ctx, sid))

	_, err := repo.Rotate(ctx, first, successor())
	assert.ErrorIs(t, err, models.ErrReuseDetected)

	_, a := issueFirst(t, repo, "u2")
	_, b := issueFirst(t, repo, "u2")
	require.NoError(t, repo.RevokeUserSessions(ctx, "u2"))
	for _, jti := range []string{a, b} {
		active, err := repo.IsActive(ctx, jti)
		require.NoError(t, err)
		assert.False(t, active)
	}
}

func TestRedisAttemptCounter(t *testing.T) {
	client := startRedis(t)
	repo := NewRedisAttemptRepository(client)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		count, ttl, err := repo.Increment(ctx, "a@example.com", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, count)
		assert.Greater(t, ttl, 50*time.Second)
	}

	count, ttl, err := repo.Get(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, repo.Reset(ctx, "a@example.com"))
	count, _, err = repo.Get(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Zero(t, count)
}
