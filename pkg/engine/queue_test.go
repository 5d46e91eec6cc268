package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobQueueRunsJobs(t *testing.T) {
	q := NewJobQueue(QueueConfig{Workers: 2, Size: 8}, zerolog.Nop(), nil)
	q.Start()

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(Job{Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}})
		require.NoError(t, err)
	}

	require.NoError(t, q.Shutdown(context.Background()))
	assert.Equal(t, int32(5), ran.Load())
}

func TestJobQueueFailsFastWhenFull(t *testing.T) {
	q := NewJobQueue(QueueConfig{Workers: 1, Size: 1}, zerolog.Nop(), nil)

	// Not started: the single slot fills and the next enqueue is rejected.
	_, err := q.Enqueue(Job{Run: func(context.Context) error { return nil }})
	require.NoError(t, err)

	_, err = q.Enqueue(Job{InstanceID: "i2", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, IsThrottled(err))
	assert.Equal(t, 1, q.Depth())

	require.NoError(t, q.Shutdown(context.Background()))
}

func TestJobQueueRejectsAfterShutdown(t *testing.T) {
	q := NewJobQueue(QueueConfig{Workers: 1, Size: 1}, zerolog.Nop(), nil)
	q.Start()
	require.NoError(t, q.Shutdown(context.Background()))

	_, err := q.Enqueue(Job{Run: func(context.Context) error { return nil }})
	assert.True(t, IsConflict(err))

	_, err = q.Enqueue(Job{})
	assert.Equal(t, ErrCodeValidation, CodeOf(err))
}

func TestJobQueueShutdownCancelsOnDeadline(t *testing.T) {
	q := NewJobQueue(QueueConfig{Workers: 1, Size: 1}, zerolog.Nop(), nil)
	q.Start()

	started := make(chan struct{})
	var cancelled atomic.Bool
	_, err := q.Enqueue(Job{Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, q.Shutdown(ctx))
	assert.True(t, cancelled.Load())
}

func TestJobQueueRecoversFromPanic(t *testing.T) {
	q := NewJobQueue(QueueConfig{Workers: 1, Size: 2}, zerolog.Nop(), nil)
	q.Start()

	var ran atomic.Bool
	_, err := q.Enqueue(Job{Run: func(context.Context) error { panic("boom") }})
	require.NoError(t, err)
	_, err = q.Enqueue(Job{Run: func(context.Context) error { ran.Store(true); return nil }})
	require.NoError(t, err)

	require.NoError(t, q.Shutdown(context.Background()))
	assert.True(t, ran.Load())
}
