// storage/redis_store.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/chhz0/actionq/types"
)

const redisTaskTTL = 24 * time.Hour

type RedisStorage struct {
	client *redis.Client
	prefix string
}

func NewRedisStorage(addr, password string, db int) *RedisStorage {
	return NewRedisStorageWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

func NewRedisStorageWithClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{
		client: client,
		prefix: "actionq:task:",
	}
}

func (s *RedisStorage) key(id string) string {
	return s.prefix + id
}

func (s *RedisStorage) SaveTask(ctx context.Context, task *types.Task) error {
	if task.ID == "" {
		task.ID = generateID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(task.ID), data, redisTaskTTL).Err(); err != nil {
		return fmt.Errorf("redis save task %s: %w", task.ID, err)
	}
	return nil
}

func (s *RedisStorage) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	data, err := s.client.Get(ctx, s.key(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("redis get task %s: %w", taskID, err)
	}
	return types.DeserializeTask(data)
}

func (s *RedisStorage) GetPendingTasks(ctx context.Context, due time.Time, limit int) ([]*types.Task, error) {
	var tasks []*types.Task
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue // 扫描期间过期
		}
		task, err := types.DeserializeTask(data)
		if err != nil {
			continue
		}
		if schedulable(task, due) {
			tasks = append(tasks, task)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan tasks: %w", err)
	}

	slices.SortFunc(tasks, func(a, b *types.Task) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit >= 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (s *RedisStorage) UpdateTaskStatus(ctx context.Context, taskID string, status types.TaskStatus) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	task.Status = status
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	// 保留原有 TTL
	return s.client.Set(ctx, s.key(taskID), data, redis.KeepTTL).Err()
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}
