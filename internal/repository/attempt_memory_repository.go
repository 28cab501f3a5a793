package repository

import (
	"context"
	"sync"
	"time"
)

const pruneThreshold = 1024

type attemptState struct {
	count     int
	expiresAt time.Time
}

// MemoryAttemptRepository is a process-local failed-login store for single-instance deployments.
type MemoryAttemptRepository struct {
	mu       sync.Mutex
	attempts map[string]*attemptState
	now      func() time.Time
}

// NewMemoryAttemptRepository constructs an empty store.
func NewMemoryAttemptRepository() *MemoryAttemptRepository {
	return &MemoryAttemptRepository{
		attempts: make(map[string]*attemptState),
		now:      time.Now,
	}
}

// Increment records one failure and returns the new count and the time left in the window.
func (r *MemoryAttemptRepository) Increment(_ context.Context, key string, window time.Duration) (int, time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if len(r.attempts) >= pruneThreshold {
		r.prune(now)
	}

	state, ok := r.attempts[key]
	if !ok || !now.Before(state.expiresAt) {
		state = &attemptState{expiresAt: now.Add(window)}
		r.attempts[key] = state
	}
	state.count++
	return state.count, state.expiresAt.Sub(now), nil
}

// Get returns the current count and remaining window, or zeros when no failures are recorded.
func (r *MemoryAttemptRepository) Get(_ context.Context, key string) (int, time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	state, ok := r.attempts[key]
	if !ok {
		return 0, 0, nil
	}
	if !now.Before(state.expiresAt) {
		delete(r.attempts, key)
		return 0, 0, nil
	}
	return state.count, state.expiresAt.Sub(now), nil
}

// Reset clears the counter after a successful login.
func (r *MemoryAttemptRepository) Reset(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, key)
	return nil
}

func (r *MemoryAttemptRepository) prune(now time.Time) {
	for key, state := range r.attempts {
		if !now.Before(state.expiresAt) {
			delete(r.attempts, key)
		}
	}
}
