package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/noah-isme/auth-gateway/pkg/config"
)

// ErrRateLimited is returned by Acquire once a principal has used up its window.
var ErrRateLimited = errors.New("rate limited")

// RateLimitError carries how long the caller should wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return ErrRateLimited.Error() }

// Is lets errors.Is match ErrRateLimited.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// AttemptStore is an atomic per-key counter with a fixed expiry window.
type AttemptStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (int, time.Duration, error)
	Reset(ctx context.Context, key string) error
}

// LoginLimiter throttles logins per principal key.
type LoginLimiter interface {
	Key(email, ip string) string
	Acquire(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
}

// RateLimiter applies a fixed window. Every login attempt reserves a slot before credentials are
// checked; once MaxAttempts slots are taken inside the window every further attempt is refused
// until the window expires, whatever the credentials. A successful login releases the window.
type RateLimiter struct {
	store       AttemptStore
	maxAttempts int
	window      time.Duration
	keyMode     string
}

// NewRateLimiter constructs a limiter over store.
func NewRateLimiter(store AttemptStore, cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		store:       store,
		maxAttempts: cfg.MaxAttempts,
		window:      cfg.Window,
		keyMode:     cfg.KeyMode,
	}
}

// Key derives the principal key from an already normalized email.
func (l *RateLimiter) Key(email, ip string) string {
	if l.keyMode == config.KeyModeEmailIP && ip != "" {
		return email + "|" + strings.TrimSpace(ip)
	}
	return email
}

// Acquire reserves one attempt for key. The reservation is a single atomic increment, so
// concurrent callers can never get more than maxAttempts slots per window. It returns a
// *RateLimitError when the slot taken is beyond the threshold.
func (l *RateLimiter) Acquire(ctx context.Context, key string) error {
	count, ttl, err := l.store.Increment(ctx, key, l.window)
	if err != nil {
		return err
	}
	if count > l.maxAttempts {
		if ttl <= 0 {
			ttl = time.Second
		}
		return &RateLimitError{RetryAfter: ttl}
	}
	return nil
}

// Reset clears the window after a successful login.
func (l *RateLimiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, key)
}
