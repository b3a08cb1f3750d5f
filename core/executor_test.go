package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chhz0/actionq/types"
)

func TestNewExecutors_Validation(t *testing.T) {
	_, err := NewExecutors(map[string]int64{ExecutorGeneric: 0})
	require.Error(t, err)

	_, err = NewExecutors(map[string]int64{ExecutorSame: 1})
	require.Error(t, err)

	e, err := NewExecutors(DefaultExecutorSizes())
	require.NoError(t, err)
	assert.True(t, e.Has(ExecutorGeneric))
	assert.True(t, e.Has(ExecutorManagement))
	assert.True(t, e.Has(ExecutorSame))
	assert.False(t, e.Has("search"))
	assert.Equal(t, int64(2), e.Size(ExecutorManagement))
}

func TestExecutors_UnknownLabel(t *testing.T) {
	e, err := NewExecutors(DefaultExecutorSizes())
	require.NoError(t, err)

	called := false
	err = e.Run(context.Background(), "search", func() { called = true })

	var unknown *types.UnknownExecutorError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "search", unknown.Executor)
	assert.False(t, called)
}

func TestExecutors_SameRunsInline(t *testing.T) {
	e, err := NewExecutors(nil)
	require.NoError(t, err)

	called := false
	require.NoError(t, e.Run(context.Background(), ExecutorSame, func() { called = true }))
	assert.True(t, called)
}

func TestExecutors_BoundsConcurrency(t *testing.T) {
	e, err := NewExecutors(map[string]int64{ExecutorManagement: 2})
	require.NoError(t, err)

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Run(context.Background(), ExecutorManagement, func() {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(0), running.Load())
}

func TestExecutors_RunCancelled(t *testing.T) {
	e, err := NewExecutors(map[string]int64{ExecutorGeneric: 1})
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = e.Run(context.Background(), ExecutorGeneric, func() {
			close(started)
			<-release
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = e.Run(ctx, ExecutorGeneric, func() {})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
