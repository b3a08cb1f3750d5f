package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/chhz0/actionq/core"
	"github.com/chhz0/actionq/middleware"
	"github.com/chhz0/actionq/types"
)

// sleep 最长允许的时间，超过后由 Timeout 中间件取消
const maxSleep = 5 * time.Minute

type builtin struct {
	action   string
	executor string
	handler  middleware.Handler
	// 大于 0 时在中间件链最内层加 Timeout
	timeout time.Duration
}

func builtins(logger zerolog.Logger) []builtin {
	return []builtin{
		{action: "echo", executor: core.ExecutorGeneric, handler: echoHandler(logger)},
		{action: "sleep", executor: core.ExecutorManagement, handler: sleepHandler, timeout: maxSleep},
		{action: "noop", executor: core.ExecutorSame, handler: func(context.Context, *types.Task) error { return nil }},
	}
}

// registerBuiltins 注册内置 action，每个 handler 外层包裹统一的中间件链
func registerBuiltins(reg *core.ActionRegistry, logger zerolog.Logger) {
	chain := middleware.Chain(
		middleware.Recover(),
		middleware.Logger(logger),
		middleware.Metrics(),
	)
	for _, b := range builtins(logger) {
		h := b.handler
		if b.timeout > 0 {
			h = middleware.Timeout(b.timeout)(h)
		}
		reg.Register(b.action, core.TaskHandler(chain(h)), b.executor)
	}
}

func echoHandler(logger zerolog.Logger) middleware.Handler {
	return func(ctx context.Context, task *types.Task) error {
		logger.Info().Str("task_id", task.ID).RawJSON("payload", rawPayload(task.Payload)).Msg("echo")
		return nil
	}
}

type sleepPayload struct {
	Duration string `json:"duration"`
}

func sleepHandler(ctx context.Context, task *types.Task) error {
	var p sleepPayload
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return fmt.Errorf("decode sleep payload: %w", err)
		}
	}
	d := time.Second
	if p.Duration != "" {
		var err error
		if d, err = time.ParseDuration(p.Duration); err != nil {
			return fmt.Errorf("parse duration %q: %w", p.Duration, err)
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func rawPayload(p []byte) []byte {
	if len(p) == 0 || !json.Valid(p) {
		return []byte("null")
	}
	return p
}
