// types/types.go
package types

import (
	"encoding/json"
	"time"
)

// 任务状态枚举
type TaskStatus int

const (
	StatusPending TaskStatus = iota
	StatusProcessing
	StatusSuccess
	StatusFailed
	StatusRetry
)

func (s TaskStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// IsTerminal 成功或失败后不再调度
func (s TaskStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Task 一次对已注册 action 的调用请求
type Task struct {
	ID        string        `json:"id"`
	Action    string        `json:"action"`
	Payload   []byte        `json:"payload,omitempty"`
	Status    TaskStatus    `json:"status"`
	Retries   int           `json:"retries"`
	MaxRetry  int           `json:"max_retry"`
	NextRetry time.Time     `json:"next_retry,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	Timeout   time.Duration `json:"timeout"`
	// 分发时从注册表记录中填入，仅用于展示
	Executor string `json:"executor,omitempty"`
	Error    string `json:"error,omitempty"`
}

// 序列化任务
func (t *Task) Serialize() ([]byte, error) {
	return json.Marshal(t)
}

// 反序列化任务
func DeserializeTask(data []byte) (*Task, error) {
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}
