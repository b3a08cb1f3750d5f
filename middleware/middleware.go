// middleware/middleware.go
package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/chhz0/actionq/metrics"
	"github.com/chhz0/actionq/types"
)

type Handler func(ctx context.Context, task *types.Task) error
type Middleware func(next Handler) Handler

// 中间件链，第一个中间件在最外层
func Chain(middlewares ...Middleware) Middleware {
	return func(final Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// 超时中间件
func Timeout(d time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, task *types.Task) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, task)
		}
	}
}

// 日志中间件
func Logger(logger zerolog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, task *types.Task) error {
			start := time.Now()
			log := logger.With().Str("task_id", task.ID).Str("action", task.Action).Logger()
			log.Debug().Msg("task started")

			err := next(ctx, task)

			duration := time.Since(start)
			if err != nil {
				log.Warn().Err(err).Dur("duration", duration).Msg("task failed")
			} else {
				log.Info().Dur("duration", duration).Msg("task completed")
			}
			return err
		}
	}
}

// 指标收集中间件
func Metrics() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, task *types.Task) error {
			start := time.Now()
			err := next(ctx, task)
			recordMetrics(task.Action, time.Since(start), err)
			return err
		}
	}
}

// Recover 把 handler 的 panic 转为错误
func Recover() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, task *types.Task) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("action [%s] panicked: %v", task.Action, r)
				}
			}()
			return next(ctx, task)
		}
	}
}

func recordMetrics(action string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.HandlerDuration.WithLabelValues(action, outcome).Observe(duration.Seconds())
}
