// config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/chhz0/actionq/storage"
)

// Config 服务配置，全部来自 ACTIONQ_* 环境变量
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	WorkerCount     int           `env:"WORKER_COUNT" envDefault:"10"`
	QueueSize       int           `env:"QUEUE_SIZE" envDefault:"100"`
	SyncInterval    time.Duration `env:"SYNC_INTERVAL" envDefault:"3s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"memory"`
	StoragePath    string `env:"STORAGE_PATH" envDefault:"actionq.db"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	ClusterMode   bool   `env:"CLUSTER_MODE" envDefault:"false"`

	// 形如 generic:16,management:2
	Executors map[string]int64 `env:"EXECUTORS" envDefault:"generic:16,management:2" envSeparator:"," envKeyValSeparator:":"`

	MaxRetry     int           `env:"MAX_RETRY" envDefault:"3"`
	RetryInitial time.Duration `env:"RETRY_INITIAL" envDefault:"1s"`
	RetryMax     time.Duration `env:"RETRY_MAX" envDefault:"30s"`
	TaskTimeout  time.Duration `env:"TASK_TIMEOUT" envDefault:"30s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

const envPrefix = "ACTIONQ_"

// Load 解析环境变量并校验
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.WorkerCount <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.WorkerCount)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	switch c.backend() {
	case "memory", "bolt", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
	for name, size := range c.Executors {
		if size <= 0 {
			return fmt.Errorf("executor %q: size must be positive, got %d", name, size)
		}
	}
	return nil
}

// backend 存储后端名不区分大小写
func (c Config) backend() string {
	return strings.ToLower(strings.TrimSpace(c.StorageBackend))
}

// OpenStorage 根据配置创建存储后端
func OpenStorage(c Config) (storage.Storage, error) {
	switch c.backend() {
	case "memory":
		return storage.NewMemoryStorage(), nil
	case "bolt":
		return storage.NewBoltStorage(c.StoragePath)
	case "sqlite":
		return storage.NewSQLiteStorage(c.StoragePath)
	case "redis":
		return storage.NewRedisStorage(c.RedisAddr, c.RedisPassword, c.RedisDB), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
}
