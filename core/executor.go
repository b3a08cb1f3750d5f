// core/executor.go
package core

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/chhz0/actionq/metrics"
	"github.com/chhz0/actionq/types"
)

// 执行器标签，注册表只保存不解释
const (
	ExecutorGeneric    = "generic"
	ExecutorManagement = "management"
	// ExecutorSame 在分发的 worker 上直接执行
	ExecutorSame = "same"
)

// DefaultExecutorSizes 各执行器的并发上限
func DefaultExecutorSizes() map[string]int64 {
	return map[string]int64{
		ExecutorGeneric:    16,
		ExecutorManagement: 2,
	}
}

// Executors bounds handler concurrency per executor label.
type Executors struct {
	pools map[string]*semaphore.Weighted
	sizes map[string]int64
}

func NewExecutors(sizes map[string]int64) (*Executors, error) {
	e := &Executors{
		pools: make(map[string]*semaphore.Weighted, len(sizes)),
		sizes: make(map[string]int64, len(sizes)),
	}
	for label, size := range sizes {
		if label == ExecutorSame {
			return nil, fmt.Errorf("executor [%s] is reserved", ExecutorSame)
		}
		if size <= 0 {
			return nil, fmt.Errorf("executor [%s]: size must be positive, got %d", label, size)
		}
		e.pools[label] = semaphore.NewWeighted(size)
		e.sizes[label] = size
	}
	return e, nil
}

// Has reports whether label can be passed to Run.
func (e *Executors) Has(label string) bool {
	if label == ExecutorSame {
		return true
	}
	_, ok := e.pools[label]
	return ok
}

func (e *Executors) Size(label string) int64 {
	return e.sizes[label]
}

// Run executes fn on the executor named label, waiting for a free slot.
func (e *Executors) Run(ctx context.Context, label string, fn func()) error {
	if label == ExecutorSame {
		fn()
		return nil
	}
	pool, ok := e.pools[label]
	if !ok {
		return &types.UnknownExecutorError{Executor: label}
	}
	if err := pool.Acquire(ctx, 1); err != nil {
		return err
	}
	defer pool.Release(1)

	gauge := metrics.ExecutorInFlight.WithLabelValues(label)
	gauge.Inc()
	defer gauge.Dec()

	fn()
	return nil
}
