// storage/memory_store.go
package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chhz0/actionq/types"
)

// MemoryStorage 保存任务副本，调用方持有的指针不会被共享
type MemoryStorage struct {
	tasks map[string]*types.Task
	mu    sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tasks: make(map[string]*types.Task),
	}
}

func (s *MemoryStorage) SaveTask(ctx context.Context, task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = generateID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	stored := *task
	s.tasks[task.ID] = &stored
	return nil
}

func (s *MemoryStorage) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	found := *task
	return &found, nil
}

func (s *MemoryStorage) GetPendingTasks(ctx context.Context, due time.Time, limit int) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*types.Task
	for _, t := range s.tasks {
		if schedulable(t, due) {
			found := *t
			result = append(result, &found)
		}
	}
	slices.SortFunc(result, func(a, b *types.Task) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit >= 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStorage) UpdateTaskStatus(ctx context.Context, taskID string, status types.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return ErrTaskNotFound
	}
	task.Status = status
	return nil
}

func (s *MemoryStorage) Close() error {
	return nil // 无需关闭操作
}

func generateID() string {
	return uuid.New().String()
}
