package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/auth-gateway/internal/repository"
	"github.com/noah-isme/auth-gateway/pkg/config"
)

func TestRateLimiterLocksAfterThreshold(t *testing.T) {
	limiter := NewRateLimiter(repository.NewMemoryAttemptRepository(), config.RateLimitConfig{
		MaxAttempts: 3,
		Window:      time.Minute,
		KeyMode:     config.KeyModeEmail,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Acquire(ctx, "a@example.com"))
	}

	err := limiter.Acquire(ctx, "a@example.com")
	require.ErrorIs(t, err, ErrRateLimited)
	var rlErr *RateLimitError
	require.True(t, errors.As(err, &rlErr))
	assert.Greater(t, rlErr.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, rlErr.RetryAfter, time.Minute)

	assert.NoError(t, limiter.Acquire(ctx, "b@example.com"))

	require.NoError(t, limiter.Reset(ctx, "a@example.com"))
	assert.NoError(t, limiter.Acquire(ctx, "a@example.com"))
}

func TestRateLimiterConcurrentAcquireGrantsAtMostThreshold(t *testing.T) {
	limiter := NewRateLimiter(repository.NewMemoryAttemptRepository(), config.RateLimitConfig{
		MaxAttempts: 5,
		Window:      time.Minute,
		KeyMode:     config.KeyModeEmail,
	})
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
		refused atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := limiter.Acquire(ctx, "a@example.com")
			switch {
			case err == nil:
				granted.Add(1)
			case errors.Is(err, ErrRateLimited):
				refused.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(5), granted.Load())
	assert.Equal(t, int32(35), refused.Load())
}

func TestRateLimiterKeyModes(t *testing.T) {
	byEmail := NewRateLimiter(nil, config.RateLimitConfig{KeyMode: config.KeyModeEmail})
	assert.Equal(t, "a@example.com", byEmail.Key("a@example.com", "10.0.0.1"))

	byEmailIP := NewRateLimiter(nil, config.RateLimitConfig{KeyMode: config.KeyModeEmailIP})
	assert.Equal(t, "a@example.com|10.0.0.1", byEmailIP.Key("a@example.com", "10.0.0.1"))
	assert.Equal(t, "a@example.com", byEmailIP.Key("a@example.com", ""))
}
