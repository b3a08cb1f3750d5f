// core/worker_pool.go
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chhz0/actionq/metrics"
	"github.com/chhz0/actionq/retry"
	"github.com/chhz0/actionq/types"
)

// TaskHandler is the handler type the worker pool expects under every action
// it dispatches.
type TaskHandler func(ctx context.Context, task *types.Task) error

// ErrTaskTimeout is returned when a handler runs past the task timeout.
var ErrTaskTimeout = errors.New("task timed out")

type WorkerPool struct {
	broker     Broker
	registry   *ActionRegistry
	executors  *Executors
	retries    *retry.RetryManager
	maxWorkers int
	logger     zerolog.Logger

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool
}

type PoolOption func(*WorkerPool)

func WithPoolLogger(l zerolog.Logger) PoolOption {
	return func(wp *WorkerPool) { wp.logger = l }
}

func WithRetryManager(rm *retry.RetryManager) PoolOption {
	return func(wp *WorkerPool) { wp.retries = rm }
}

func NewWorkerPool(broker Broker, registry *ActionRegistry, executors *Executors, maxWorkers int, opts ...PoolOption) *WorkerPool {
	wp := &WorkerPool{
		broker:     broker,
		registry:   registry,
		executors:  executors,
		maxWorkers: maxWorkers,
		logger:     zerolog.Nop(),
		retries: retry.NewRetryManager(&retry.ExponentialBackoff{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
		}),
	}
	for _, opt := range opts {
		opt(wp)
	}
	return wp
}

func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	wp.cancel = cancel
	wp.running = true

	tasks := wp.broker.Consume(ctx)
	for i := 0; i < wp.maxWorkers; i++ {
		wp.wg.Add(1)
		go wp.runWorker(ctx, tasks)
	}
	wp.logger.Info().Int("workers", wp.maxWorkers).Msg("worker pool started")
}

// Stop 等待正在执行的任务结束，不关闭 broker
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if !wp.running {
		return
	}

	wp.cancel()
	wp.wg.Wait()
	wp.running = false
	wp.logger.Info().Msg("worker pool stopped")
}

func (wp *WorkerPool) runWorker(ctx context.Context, tasks <-chan *types.Task) {
	defer wp.wg.Done()

	for task := range tasks {
		wp.processTask(ctx, task)
	}
}

func (wp *WorkerPool) processTask(ctx context.Context, task *types.Task) {
	log := wp.logger.With().Str("task_id", task.ID).Str("action", task.Action).Logger()

	rec, err := wp.registry.Lookup(task.Action)
	if err != nil {
		// 未注册的 action 属于配置错误，不重试
		log.Error().Err(err).Msg("no handler for action")
		wp.finish(ctx, task, types.StatusFailed, err)
		return
	}
	handler, err := As[TaskHandler](rec)
	if err != nil {
		log.Error().Err(err).Msg("handler has wrong type")
		wp.finish(ctx, task, types.StatusFailed, err)
		return
	}

	task.Executor = rec.Executor()
	if err := wp.broker.UpdateTaskStatus(ctx, task.ID, types.StatusProcessing); err != nil {
		log.Warn().Err(err).Msg("mark task processing")
	}

	var runErr error
	if err := wp.executors.Run(ctx, rec.Executor(), func() {
		runErr = wp.execute(ctx, handler, task)
	}); err != nil {
		if ctx.Err() != nil {
			// 关闭中：任务退回 pending
			_ = wp.broker.UpdateTaskStatus(context.Background(), task.ID, types.StatusPending)
			return
		}
		log.Error().Err(err).Str("executor", rec.Executor()).Msg("executor rejected task")
		wp.finish(ctx, task, types.StatusFailed, err)
		return
	}

	if runErr != nil && ctx.Err() != nil {
		_ = wp.broker.UpdateTaskStatus(context.Background(), task.ID, types.StatusPending)
		return
	}
	if runErr == nil {
		log.Debug().Str("executor", rec.Executor()).Msg("task completed")
		wp.finish(ctx, task, types.StatusSuccess, nil)
		return
	}

	wp.retries.ApplyRetry(task)
	if task.Status == types.StatusFailed {
		log.Error().Err(runErr).Int("retries", task.Retries).Msg("task failed")
		wp.finish(ctx, task, types.StatusFailed, runErr)
		return
	}

	// 重试任务写回存储，由 broker 在 NextRetry 之后重新装载
	task.Error = runErr.Error()
	metrics.TaskRetries.WithLabelValues(task.Action).Inc()
	log.Warn().Err(runErr).Int("attempt", task.Retries).Time("next_retry", task.NextRetry).Msg("task failed, retrying")
	if err := wp.broker.Storage().SaveTask(context.WithoutCancel(ctx), task); err != nil {
		log.Error().Err(err).Msg("save retry")
	}
}

// execute 在超时内运行 handler，并把 panic 转为错误
func (wp *WorkerPool) execute(ctx context.Context, handler TaskHandler, task *types.Task) (err error) {
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	// handler 超时后可能仍在运行，交给它一份副本
	attempt := *task
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("task panicked: %v", r)
			}
		}()
		errCh <- handler(ctx, &attempt)
	}()

	select {
	case err = <-errCh:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTaskTimeout
		}
		return ctx.Err()
	}
}

func (wp *WorkerPool) finish(ctx context.Context, task *types.Task, status types.TaskStatus, cause error) {
	task.Status = status
	if cause != nil {
		task.Error = cause.Error()
	} else {
		task.Error = ""
	}
	metrics.TasksProcessed.WithLabelValues(task.Action, status.String()).Inc()

	if err := wp.broker.Storage().SaveTask(context.WithoutCancel(ctx), task); err != nil {
		wp.logger.Error().Err(err).Str("task_id", task.ID).Msg("save final status")
	}
}
