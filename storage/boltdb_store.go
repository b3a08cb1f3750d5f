// storage/boltdb_store.go
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/chhz0/actionq/types"
)

var (
	taskBucket = []byte("tasks")
)

type BoltStorage struct {
	db *bolt.DB
}

func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}

	// 初始化Bucket
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(taskBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &BoltStorage{db: db}, nil
}

func (s *BoltStorage) SaveTask(ctx context.Context, task *types.Task) error {
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
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(taskBucket).Put([]byte(task.ID), data)
	})
}

func (s *BoltStorage) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	var task *types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(taskBucket).Get([]byte(taskID))
		if data == nil {
			return ErrTaskNotFound
		}
		var err error
		task, err = types.DeserializeTask(data)
		return err
	})
	return task, err
}

func (s *BoltStorage) GetPendingTasks(ctx context.Context, due time.Time, limit int) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(taskBucket).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			task, err := types.DeserializeTask(v)
			if err != nil {
				continue // 跳过无效数据
			}
			if schedulable(task, due) {
				tasks = append(tasks, task)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// key 是 uuid，需要按创建时间重新排序
	slices.SortFunc(tasks, func(a, b *types.Task) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit >= 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (s *BoltStorage) UpdateTaskStatus(ctx context.Context, taskID string, status types.TaskStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(taskBucket)
		data := b.Get([]byte(taskID))
		if data == nil {
			return ErrTaskNotFound
		}

		task, err := types.DeserializeTask(data)
		if err != nil {
			return err
		}

		task.Status = status
		newData, err := json.Marshal(task)
		if err != nil {
			return err
		}

		return b.Put([]byte(taskID), newData)
	})
}

func (s *BoltStorage) Close() error {
	return s.db.Close()
}
