package transport

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chhz0/actionq/types"
)

// Transport 集群内任务分发与节点发现
type Transport interface {
	// PublishTask 广播给所有节点
	PublishTask(ctx context.Context, task *types.Task) error
	// PublishTaskTo 只投递给 nodeID
	PublishTaskTo(ctx context.Context, nodeID string, task *types.Task) error
	// SubscribeTasks 同时接收广播和投递给本节点的任务
	SubscribeTasks(ctx context.Context) (<-chan *types.Task, error)
	// SelectNode 为 key 选出一个存活节点，没有时返回 ErrNoNodes
	SelectNode(key string) (string, error)
	RegisterNode(ctx context.Context, nodeID string) error
	DiscoverNodes(ctx context.Context) ([]string, error)
	Close() error
}

var ErrNoNodes = errors.New("no available nodes")

var (
	TaskChannel       = "tasks"
	NodeChannel       = "node_heartbeats"
	DiscoveryKey      = "actionq:nodes"
	HeartbeatInterval = 5 * time.Second
	NodeTimeout       = 15 * time.Second
)

// RedisPubSub 实现
type RedisPubSub struct {
	client        *redis.Client
	ctx           context.Context
	cancel        context.CancelFunc
	nodeID        string
	nodes         map[string]time.Time // 节点ID:最后心跳时间
	nodesMutex    sync.RWMutex
	channelPrefix string
	logger        zerolog.Logger
	wg            sync.WaitGroup
}

type Option func(*RedisPubSub)

func WithLogger(l zerolog.Logger) Option {
	return func(rs *RedisPubSub) { rs.logger = l }
}

func WithNodeID(id string) Option {
	return func(rs *RedisPubSub) { rs.nodeID = id }
}

func NewRedisTransport(addr, password string, db int, opts ...Option) (*RedisPubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     100,
		MinIdleConns: 10,
		IdleTimeout:  5 * time.Minute,
	})

	// 验证连接
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	rs := newRedisPubSub(client, opts...)
	if err := rs.RegisterNode(rs.ctx, rs.nodeID); err != nil {
		rs.cancel()
		_ = client.Close()
		return nil, err
	}

	// 启动后台协程
	rs.wg.Add(2)
	go rs.heartbeatLoop()
	go rs.nodeDiscoveryLoop()

	rs.logger.Info().Str("node_id", rs.nodeID).Str("addr", addr).Msg("cluster transport connected")
	return rs, nil
}

func newRedisPubSub(client *redis.Client, opts ...Option) *RedisPubSub {
	ctx, cancel := context.WithCancel(context.Background())
	rs := &RedisPubSub{
		client:        client,
		ctx:           ctx,
		cancel:        cancel,
		nodeID:        uuid.New().String(),
		channelPrefix: "actionq:",
		nodes:         make(map[string]time.Time),
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(rs)
	}
	return rs
}

func (rs *RedisPubSub) NodeID() string {
	return rs.nodeID
}

// 发布任务到集群
func (rs *RedisPubSub) PublishTask(ctx context.Context, task *types.Task) error {
	taskData, err := task.Serialize()
	if err != nil {
		return err
	}
	return rs.client.Publish(ctx, rs.channelPrefix+TaskChannel, taskData).Err()
}

func (rs *RedisPubSub) PublishTaskTo(ctx context.Context, nodeID string, task *types.Task) error {
	taskData, err := task.Serialize()
	if err != nil {
		return err
	}
	return rs.client.Publish(ctx, rs.nodeChannel(nodeID), taskData).Err()
}

func (rs *RedisPubSub) nodeChannel(nodeID string) string {
	return rs.channelPrefix + TaskChannel + ":" + nodeID
}

// 订阅任务流；ctx 结束或 transport 关闭时 channel 关闭
func (rs *RedisPubSub) SubscribeTasks(ctx context.Context) (<-chan *types.Task, error) {
	pubsub := rs.client.Subscribe(ctx, rs.channelPrefix+TaskChannel, rs.nodeChannel(rs.nodeID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe tasks: %w", err)
	}

	ch := make(chan *types.Task, 100)
	go func() {
		defer close(ch)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				task, err := types.DeserializeTask([]byte(msg.Payload))
				if err != nil {
					rs.logger.Warn().Err(err).Msg("drop malformed cluster task")
					continue
				}
				select {
				case ch <- task:
				case <-ctx.Done():
					return
				case <-rs.ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			case <-rs.ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// 节点注册与发现：有序集合维护节点列表，score 为最近心跳时间
func (rs *RedisPubSub) RegisterNode(ctx context.Context, nodeID string) error {
	return rs.client.ZAdd(ctx, DiscoveryKey, &redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: nodeID,
	}).Err()
}

func (rs *RedisPubSub) DiscoverNodes(ctx context.Context) ([]string, error) {
	// 获取最近活跃的节点
	nodes, err := rs.client.ZRangeByScore(ctx, DiscoveryKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(time.Now().Add(-NodeTimeout).Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	// 更新本地节点缓存
	now := time.Now()
	rs.nodesMutex.Lock()
	defer rs.nodesMutex.Unlock()
	for _, node := range nodes {
		if _, exists := rs.nodes[node]; !exists {
			rs.nodes[node] = now
		}
	}
	return nodes, nil
}

// 关闭连接
func (rs *RedisPubSub) Close() error {
	rs.cancel()
	rs.wg.Wait()
	// 退出时立即从发现列表移除
	_ = rs.client.ZRem(context.Background(), DiscoveryKey, rs.nodeID).Err()
	return rs.client.Close()
}

// 心跳循环
func (rs *RedisPubSub) heartbeatLoop() {
	defer rs.wg.Done()

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := rs.RegisterNode(rs.ctx, rs.nodeID); err != nil && rs.ctx.Err() == nil {
				rs.logger.Warn().Err(err).Msg("heartbeat")
				continue
			}
			// 广播心跳
			rs.client.Publish(rs.ctx, rs.channelPrefix+NodeChannel, rs.nodeID)

		case <-rs.ctx.Done():
			return
		}
	}
}

// 节点发现循环
func (rs *RedisPubSub) nodeDiscoveryLoop() {
	defer rs.wg.Done()

	pubsub := rs.client.Subscribe(rs.ctx, rs.channelPrefix+NodeChannel)
	defer pubsub.Close()

	msgs := pubsub.Channel()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			rs.touch(msg.Payload, time.Now())

		case <-rs.ctx.Done():
			return
		}
	}
}

func (rs *RedisPubSub) touch(nodeID string, at time.Time) {
	rs.nodesMutex.Lock()
	rs.nodes[nodeID] = at
	rs.nodesMutex.Unlock()
}

// SelectNode 在最近有心跳的节点中按 key 的哈希选一个；同一组节点下结果稳定
func (rs *RedisPubSub) SelectNode(key string) (string, error) {
	rs.nodesMutex.RLock()
	defer rs.nodesMutex.RUnlock()

	cutoff := time.Now().Add(-NodeTimeout)
	alive := make([]string, 0, len(rs.nodes))
	for nodeID, seen := range rs.nodes {
		if seen.After(cutoff) {
			alive = append(alive, nodeID)
		}
	}
	if len(alive) == 0 {
		return "", ErrNoNodes
	}
	sort.Strings(alive)
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return alive[h.Sum32()%uint32(len(alive))], nil
}
