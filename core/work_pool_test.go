package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chhz0/actionq/retry"
	"github.com/chhz0/actionq/storage"
	"github.com/chhz0/actionq/types"
)

type poolFixture struct {
	store    *storage.MemoryStorage
	broker   *HybridBroker
	registry *ActionRegistry
	pool     *WorkerPool
}

func newPoolFixture(t *testing.T, opts ...PoolOption) *poolFixture {
	t.Helper()
	store := storage.NewMemoryStorage()
	broker, err := NewHybridBroker(store, 8, WithSyncInterval(5*time.Millisecond))
	require.NoError(t, err)

	executors, err := NewExecutors(DefaultExecutorSizes())
	require.NoError(t, err)

	registry := NewActionRegistry()
	pool := NewWorkerPool(broker, registry, executors, 2, opts...)
	t.Cleanup(func() {
		pool.Stop()
		_ = broker.Close()
	})
	return &poolFixture{store: store, broker: broker, registry: registry, pool: pool}
}

func (f *poolFixture) submit(t *testing.T, task *types.Task) string {
	t.Helper()
	require.NoError(t, f.broker.Enqueue(context.Background(), task))
	return task.ID
}

func (f *poolFixture) waitStatus(t *testing.T, id string, want types.TaskStatus) *types.Task {
	t.Helper()
	var last *types.Task
	require.Eventually(t, func() bool {
		task, err := f.store.GetTask(context.Background(), id)
		if err != nil {
			return false
		}
		last = task
		return task.Status == want
	}, 3*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return last
}

func TestWorkerPool_DispatchesByAction(t *testing.T) {
	f := newPoolFixture(t)

	var got atomic.Value
	f.registry.Register("reindex", TaskHandler(func(_ context.Context, task *types.Task) error {
		got.Store(string(task.Payload))
		return nil
	}), ExecutorManagement)
	f.pool.Start()

	id := f.submit(t, &types.Task{Action: "reindex", Payload: []byte("logs")})
	task := f.waitStatus(t, id, types.StatusSuccess)

	assert.Equal(t, "logs", got.Load())
	assert.Equal(t, ExecutorManagement, task.Executor)
	assert.Empty(t, task.Error)
}

func TestWorkerPool_UnknownActionFailsWithoutRetry(t *testing.T) {
	f := newPoolFixture(t)
	f.pool.Start()

	id := f.submit(t, &types.Task{Action: "never-registered", MaxRetry: 5})
	task := f.waitStatus(t, id, types.StatusFailed)

	assert.Equal(t, 0, task.Retries)
	assert.Contains(t, task.Error, "unknown action [never-registered]")
}

func TestWorkerPool_WrongHandlerType(t *testing.T) {
	f := newPoolFixture(t)
	f.registry.Register("legacy", "not a handler", ExecutorGeneric)
	f.pool.Start()

	task := f.waitStatus(t, f.submit(t, &types.Task{Action: "legacy"}), types.StatusFailed)
	assert.Contains(t, task.Error, "legacy")
}

func TestWorkerPool_UnknownExecutor(t *testing.T) {
	f := newPoolFixture(t)
	f.registry.Register("search", TaskHandler(func(context.Context, *types.Task) error { return nil }), "search")
	f.pool.Start()

	task := f.waitStatus(t, f.submit(t, &types.Task{Action: "search"}), types.StatusFailed)
	assert.Contains(t, task.Error, "unknown executor [search]")
}

func TestWorkerPool_RetriesThenSucceeds(t *testing.T) {
	f := newPoolFixture(t, WithRetryManager(retry.NewRetryManager(&retry.FixedInterval{
		Interval:    time.Millisecond,
		MaxAttempts: 5,
	})))

	var calls atomic.Int32
	f.registry.Register("flaky", TaskHandler(func(context.Context, *types.Task) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}), ExecutorGeneric)
	f.pool.Start()

	task := f.waitStatus(t, f.submit(t, &types.Task{Action: "flaky", MaxRetry: 3}), types.StatusSuccess)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, task.Retries)
}

func TestWorkerPool_RetriesExhausted(t *testing.T) {
	f := newPoolFixture(t, WithRetryManager(retry.NewRetryManager(&retry.FixedInterval{
		Interval:    time.Millisecond,
		MaxAttempts: 5,
	})))

	var calls atomic.Int32
	f.registry.Register("broken", TaskHandler(func(context.Context, *types.Task) error {
		calls.Add(1)
		return errors.New("always")
	}), ExecutorGeneric)
	f.pool.Start()

	task := f.waitStatus(t, f.submit(t, &types.Task{Action: "broken", MaxRetry: 1}), types.StatusFailed)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "always", task.Error)
}

func TestWorkerPool_PanicAndTimeout(t *testing.T) {
	f := newPoolFixture(t)
	f.registry.Register("panics", TaskHandler(func(context.Context, *types.Task) error {
		panic("boom")
	}), ExecutorSame)
	f.registry.Register("slow", TaskHandler(func(ctx context.Context, _ *types.Task) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return nil
	}), ExecutorGeneric)
	f.pool.Start()

	panicked := f.waitStatus(t, f.submit(t, &types.Task{Action: "panics"}), types.StatusFailed)
	assert.Contains(t, panicked.Error, "boom")

	slow := f.waitStatus(t, f.submit(t, &types.Task{Action: "slow", Timeout: 20 * time.Millisecond}), types.StatusFailed)
	assert.Equal(t, ErrTaskTimeout.Error(), slow.Error)
}

func TestWorkerPool_SeesLaterRegistration(t *testing.T) {
	f := newPoolFixture(t)
	f.pool.Start()

	first := f.waitStatus(t, f.submit(t, &types.Task{Action: "late"}), types.StatusFailed)
	assert.Contains(t, first.Error, "unknown action")

	f.registry.Register("late", TaskHandler(func(context.Context, *types.Task) error { return nil }), ExecutorGeneric)
	f.waitStatus(t, f.submit(t, &types.Task{Action: "late"}), types.StatusSuccess)

	f.registry.Remove("late")
	f.waitStatus(t, f.submit(t, &types.Task{Action: "late"}), types.StatusFailed)
}

func TestWorkerPool_StartStopIdempotent(t *testing.T) {
	f := newPoolFixture(t)
	f.pool.Start()
	f.pool.Start()
	f.pool.Stop()
	f.pool.Stop()
}
