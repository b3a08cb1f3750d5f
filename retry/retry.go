// retry/retry.go
package retry

import (
	"time"

	"github.com/chhz0/actionq/types"
)

// RetryManager 结合任务自身的 MaxRetry 与策略决定是否重试
type RetryManager struct {
	Policy RetryPolicy
	now    func() time.Time
}

func NewRetryManager(policy RetryPolicy) *RetryManager {
	if policy == nil {
		policy = NoRetry{}
	}
	return &RetryManager{Policy: policy, now: time.Now}
}

func (rm *RetryManager) ShouldRetry(task *types.Task) (time.Duration, bool) {
	if task.Retries >= task.MaxRetry {
		return 0, false
	}
	return rm.Policy.NextRetry(task.Retries)
}

// ApplyRetry 将任务置为 Retry 并计算 NextRetry，不可重试时置为 Failed
func (rm *RetryManager) ApplyRetry(task *types.Task) {
	delay, shouldRetry := rm.ShouldRetry(task)
	if shouldRetry {
		task.Retries++
		task.NextRetry = rm.now().Add(delay)
		task.Status = types.StatusRetry
	} else {
		task.Status = types.StatusFailed
	}
}
