package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueBeforeStartFails(t *testing.T) {
	q := NewQueue("audit", func(context.Context, Job) error { return nil }, QueueConfig{})
	assert.Error(t, q.Enqueue(Job{ID: "1"}))
	assert.Error(t, q.TryEnqueue(Job{ID: "1"}))
}

func TestQueueProcessesJobs(t *testing.T) {
	var handled atomic.Int32
	done := make(chan struct{}, 3)
	q := NewQueue("audit", func(_ context.Context, job Job) error {
		handled.Add(1)
		done <- struct{}{}
		return nil
	}, QueueConfig{Workers: 2})
	q.Start(context.Background())
	defer q.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(Job{Type: "write"}))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("job not processed")
		}
	}
	assert.Equal(t, int32(3), handled.Load())
}

func TestQueueRetriesFailedJob(t *testing.T) {
	var attempts atomic.Int32
	done := make(chan struct{})
	q := NewQueue("audit", func(_ context.Context, job Job) error {
		if attempts.Add(1) < 2 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}, QueueConfig{MaxRetries: 2, RetryDelay: 10 * time.Millisecond})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "a"}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job was not retried")
	}
	assert.Equal(t, int32(2), attempts.Load())
}

func TestTryEnqueueReportsFull(t *testing.T) {
	block := make(chan struct{})
	q := NewQueue("audit", func(context.Context, Job) error {
		<-block
		return nil
	}, QueueConfig{Workers: 1, BufferSize: 1})
	q.Start(context.Background())
	defer func() {
		close(block)
		q.Stop()
	}()

	// one job occupies the worker, the next fills the buffer
	require.NoError(t, q.Enqueue(Job{ID: "1"}))
	require.Eventually(t, func() bool { return len(q.jobs) == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, q.TryEnqueue(Job{ID: "2"}))
	assert.ErrorIs(t, q.TryEnqueue(Job{ID: "3"}), ErrQueueFull)
}

func TestEverySchedulesUntilStop(t *testing.T) {
	var ticks atomic.Int32
	q := NewQueue("sweep", func(context.Context, Job) error {
		ticks.Add(1)
		return nil
	}, QueueConfig{})
	q.Start(context.Background())

	require.NoError(t, q.Every(5*time.Millisecond, func(now time.Time) Job {
		return Job{Type: "purge", Payload: now}
	}))
	assert.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, 5*time.Millisecond)
	q.Stop()

	assert.Error(t, q.Every(time.Millisecond, func(time.Time) Job { return Job{} }))
}
