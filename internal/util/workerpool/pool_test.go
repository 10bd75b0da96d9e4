package workerpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolExecutesSubmittedTasks(t *testing.T) {
	pool := New(&Config{Name: "test", MaxWorkers: 2, QueueSize: 8})

	var mu sync.Mutex
	ran := make(map[string]bool)
	var wg sync.WaitGroup

	for _, id := range []string{"a", "b", "c", "d"} {
		id := id
		wg.Add(1)
		err := pool.Submit(context.Background(), Task{
			ID: id,
			Fn: func(context.Context) error {
				defer wg.Done()
				mu.Lock()
				ran[id] = true
				mu.Unlock()
				return nil
			},
		})
		require.NoError(t, err)
	}
	wg.Wait()
	require.NoError(t, pool.Stop(time.Second))

	assert.Len(t, ran, 4)
	assert.Equal(t, uint64(4), pool.Stats().CompletedTasks)
}

func TestPoolCountsFailedTasks(t *testing.T) {
	pool := New(&Config{Name: "test", MaxWorkers: 1})

	var wg sync.WaitGroup
	wg.Add(2)
	require.NoError(t, pool.Submit(context.Background(), Task{
		ID: "fails",
		Fn: func(context.Context) error { defer wg.Done(); return errors.New("boom") },
	}))
	require.NoError(t, pool.Submit(context.Background(), Task{
		ID: "panics",
		Fn: func(context.Context) error { defer wg.Done(); panic("boom") },
	}))
	wg.Wait()
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, uint64(2), stats.FailedTasks)
	assert.Equal(t, uint64(0), stats.CompletedTasks)
}

func TestPoolRejectsAfterStop(t *testing.T) {
	pool := New(&Config{Name: "test", MaxWorkers: 1})
	require.NoError(t, pool.Stop(time.Second))

	err := pool.Submit(context.Background(), Task{ID: "late", Fn: func(context.Context) error { return nil }})
	require.Error(t, err)
	assert.Equal(t, uint64(1), pool.Stats().RejectedTasks)
}

func TestPoolSubmitHonorsContext(t *testing.T) {
	// One worker stuck on a slow task and a full queue force Submit to block.
	pool := New(&Config{Name: "test", MaxWorkers: 1, QueueSize: 1})
	defer pool.Stop(time.Second)

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), Task{
		ID: "slow",
		Fn: func(context.Context) error { <-release; return nil },
	}))
	// Give the worker time to pick up the slow task, then fill the queue.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, pool.Submit(context.Background(), Task{
		ID: "queued",
		Fn: func(context.Context) error { return nil },
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, Task{ID: "blocked", Fn: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}
