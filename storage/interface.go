package storage

import (
	"context"
	"errors"
	"time"

	"github.com/chhz0/actionq/types"
)

var (
	ErrTaskNotFound = errors.New("task not found")
)

// Storage 任务持久化；SaveTask 为 upsert
type Storage interface {
	SaveTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	// GetPendingTasks 返回 pending 与 retry 状态且 NextRetry 不晚于 due 的任务，
	// 按创建时间排序；先过滤再截断到 limit
	GetPendingTasks(ctx context.Context, due time.Time, limit int) ([]*types.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status types.TaskStatus) error
	Close() error
}

func schedulable(t *types.Task, due time.Time) bool {
	if t.Status != types.StatusPending && t.Status != types.StatusRetry {
		return false
	}
	return !t.NextRetry.After(due)
}
