//go:build integration

package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/noah-isme/auth-gateway/internal/models"
	"github.com/noah-isme/auth-gateway/pkg/database"
)

func startPostgres(t *testing.T) *sqlx.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("auth_test"),
		postgres.WithUsername("auth"),
		postgres.WithPassword("auth"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2*time.Minute),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func TestPostgresUserLifecycle(t *testing.T) {
	db := startPostgres(t)
	users := NewUserRepository(db)
	ctx := context.Background()

	user := &models.User{Email: "alice@example.com", PasswordHash: "hash", IsActive: true}
	require.NoError(t, users.Create(ctx, user))

	err := users.Create(ctx, &models.User{Email: "ALICE@example.com", PasswordHash: "hash", IsActive: true})
	assert.ErrorIs(t, err, models.ErrDuplicateEmail)

	found, err := users.FindByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)

	require.NoError(t, users.TouchLastLogin(ctx, user.ID, time.Now().UTC()))
	require.NoError(t, users.Deactivate(ctx, user.ID, time.Now().UTC()))
	found, err = users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, found.IsActive)
	assert.NotNil(t, found.LastLoginAt)
}

func TestPostgresSessionConcurrentRotate(t *testing.T) {
	db := startPostgres(t)
	users := NewUserRepository(db)
	sessions := NewPostgresSessionRepository(db)
	ctx := context.Background()

	user := &models.User{Email: "bob@example.com", PasswordHash: "hash", IsActive: true}
	require.NoError(t, users.Create(ctx, user))

	exp := time.Now().Add(time.Hour)
	sid, err := sessions.CreateSession(ctx, user.ID, exp)
	require.NoError(t, err)
	first := uuid.NewString()
	require.NoError(t, sessions.RecordIssued(ctx, sid, user.ID, first, time.Now(), exp))

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
			next := models.IssuedRefresh{TokenID: uuid.NewString(), IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
			_, err := sessions.Rotate(ctx, first, next)
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

	n, err := sessions.PurgeExpired(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
