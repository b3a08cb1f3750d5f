// retry/policy.go
package retry

import (
	"time"
)

// 重试策略接口；attempt 从 0 开始
type RetryPolicy interface {
	NextRetry(attempt int) (time.Duration, bool)
}

// 指数退避策略；MaxAttempts <= 0 时次数只受任务自身 MaxRetry 限制
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

func (p *ExponentialBackoff) NextRetry(attempt int) (time.Duration, bool) {
	if exhausted(attempt, p.MaxAttempts) {
		return 0, false
	}

	delay := p.InitialDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		// 移位溢出或超过上限都按上限处理
		if delay <= 0 || (p.MaxDelay > 0 && delay >= p.MaxDelay) {
			return p.MaxDelay, true
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay, true
}

// 固定间隔策略；MaxAttempts 含义同上
type FixedInterval struct {
	Interval    time.Duration
	MaxAttempts int
}

func (p *FixedInterval) NextRetry(attempt int) (time.Duration, bool) {
	if exhausted(attempt, p.MaxAttempts) {
		return 0, false
	}
	return p.Interval, true
}

// 组合策略：按顺序取第一个仍允许重试的策略
type CompositePolicy struct {
	Policies []RetryPolicy
}

func (p *CompositePolicy) NextRetry(attempt int) (time.Duration, bool) {
	for _, policy := range p.Policies {
		if delay, ok := policy.NextRetry(attempt); ok {
			return delay, true
		}
	}
	return 0, false
}

// NoRetry 从不重试
type NoRetry struct{}

func (NoRetry) NextRetry(int) (time.Duration, bool) { return 0, false }

func exhausted(attempt, maxAttempts int) bool {
	return maxAttempts > 0 && attempt >= maxAttempts
}
