// core/broker.go
package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chhz0/actionq/metrics"
	"github.com/chhz0/actionq/storage"
	"github.com/chhz0/actionq/transport"
	"github.com/chhz0/actionq/types"
)

var (
	ErrBrokerClosed    = errors.New("broker closed")
	ErrClusterDisabled = errors.New("cluster mode not enabled")
)

type Broker interface {
	Enqueue(ctx context.Context, task *types.Task) error
	Consume(ctx context.Context) <-chan *types.Task
	UpdateTaskStatus(ctx context.Context, taskID string, status types.TaskStatus) error
	Close() error
	Storage() storage.Storage

	DistributeTask(ctx context.Context, task *types.Task) error
	Nodes(ctx context.Context) ([]string, error)
}

// HybridBroker 内存队列 + 持久化存储；内存队列满时任务留在存储中由 syncLoop 补回
type HybridBroker struct {
	memQueue chan *types.Task
	storage  storage.Storage
	memSize  int
	interval time.Duration
	logger   zerolog.Logger

	// 已进入内存队列、尚未被消费的任务，避免 syncLoop 重复装载
	queued   map[string]struct{}
	queuedMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	transport   transport.Transport
	clusterMode bool
}

type BrokerOption func(*HybridBroker)

func WithBrokerLogger(l zerolog.Logger) BrokerOption {
	return func(hb *HybridBroker) { hb.logger = l }
}

// WithSyncInterval 设置从存储补回待处理任务的间隔
func WithSyncInterval(d time.Duration) BrokerOption {
	return func(hb *HybridBroker) { hb.interval = d }
}

// WithTransport 开启集群模式
func WithTransport(t transport.Transport) BrokerOption {
	return func(hb *HybridBroker) {
		hb.transport = t
		hb.clusterMode = t != nil
	}
}

// NewHybridBroker 构造函数（补充存储参数校验）
func NewHybridBroker(store storage.Storage, memSize int, opts ...BrokerOption) (*HybridBroker, error) {
	if store == nil {
		return nil, errors.New("storage cannot be nil")
	}
	if memSize <= 0 {
		return nil, errors.New("queue size must be positive")
	}

	ctx, cancel := context.WithCancel(context.Background())
	hb := &HybridBroker{
		memQueue: make(chan *types.Task, memSize),
		storage:  store,
		memSize:  memSize,
		interval: 3 * time.Second,
		logger:   zerolog.Nop(),
		queued:   make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(hb)
	}

	hb.wg.Add(1)
	go hb.syncLoop()

	if hb.clusterMode {
		hb.wg.Add(1)
		go hb.consumeClusterTasks()
	}
	return hb, nil
}

// 消费集群任务
func (hb *HybridBroker) consumeClusterTasks() {
	defer hb.wg.Done()

	ch, err := hb.transport.SubscribeTasks(hb.ctx)
	if err != nil {
		hb.logger.Error().Err(err).Msg("subscribe cluster tasks")
		return
	}

	for task := range ch {
		// 远端任务同样先落盘，再尝试进入内存队列
		if err := hb.Enqueue(hb.ctx, task); err != nil && !errors.Is(err, ErrBrokerClosed) {
			hb.logger.Warn().Err(err).Str("task_id", task.ID).Msg("enqueue cluster task")
		}
	}
}

func (hb *HybridBroker) Enqueue(ctx context.Context, task *types.Task) error {
	if task == nil {
		return errors.New("cannot enqueue nil task")
	}
	if hb.ctx.Err() != nil {
		return ErrBrokerClosed
	}

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.Status = types.StatusPending
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	// 落盘与入队在同一把锁内完成，syncLoop 不会在两者之间装载同一任务
	hb.queuedMu.Lock()
	defer hb.queuedMu.Unlock()

	if err := hb.storage.SaveTask(ctx, task); err != nil {
		return err
	}

	// 队列中放副本，调用方可以继续读取 task
	queued := *task
	if !hb.offerLocked(&queued) {
		// 内存队列满时保留在存储中
		metrics.BrokerSpilled.Inc()
		hb.logger.Debug().Str("task_id", task.ID).Msg("memory queue full, task left in storage")
	}
	return nil
}

// offerLocked 调用方需持有 queuedMu
func (hb *HybridBroker) offerLocked(task *types.Task) bool {
	if _, ok := hb.queued[task.ID]; ok {
		return true
	}
	select {
	case hb.memQueue <- task:
		hb.queued[task.ID] = struct{}{}
		return true
	default:
		return false
	}
}

// Consume方法
func (hb *HybridBroker) Consume(ctx context.Context) <-chan *types.Task {
	out := make(chan *types.Task)

	go func() {
		defer close(out)
		for {
			select {
			case task := <-hb.memQueue:
				// 先标记为处理中，syncLoop 不会再次装载
				hb.queuedMu.Lock()
				if err := hb.storage.UpdateTaskStatus(hb.ctx, task.ID, types.StatusProcessing); err != nil {
					hb.logger.Warn().Err(err).Str("task_id", task.ID).Msg("mark task processing")
				}
				delete(hb.queued, task.ID)
				hb.queuedMu.Unlock()
				task.Status = types.StatusProcessing

				select {
				case out <- task:
				case <-ctx.Done():
					// 未交付的任务退回 pending，下一轮 syncLoop 会重新装载
					_ = hb.storage.UpdateTaskStatus(context.Background(), task.ID, types.StatusPending)
					return
				}
			case <-ctx.Done():
				return
			case <-hb.ctx.Done():
				return
			}
		}
	}()

	return out
}

// syncLoop
func (hb *HybridBroker) syncLoop() {
	defer hb.wg.Done()

	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hb.reload()
		case <-hb.ctx.Done():
			return
		}
	}
}

// 从存储加载待处理任务
func (hb *HybridBroker) reload() {
	free := hb.memSize - len(hb.memQueue)
	if free <= 0 {
		return
	}
	// 未到重试时间的任务不占用 free 名额
	tasks, err := hb.storage.GetPendingTasks(hb.ctx, time.Now(), free)
	if err != nil {
		hb.logger.Warn().Err(err).Msg("load pending tasks")
		return
	}

	for _, task := range tasks {
		if !hb.offerPending(task) {
			return
		}
	}
}

// offerPending 在锁内重新确认任务仍待处理，避免与 Consume 竞争导致重复投递
func (hb *HybridBroker) offerPending(task *types.Task) bool {
	hb.queuedMu.Lock()
	defer hb.queuedMu.Unlock()

	if _, ok := hb.queued[task.ID]; ok {
		return true
	}
	current, err := hb.storage.GetTask(hb.ctx, task.ID)
	if err != nil || (current.Status != types.StatusPending && current.Status != types.StatusRetry) {
		return true
	}
	return hb.offerLocked(current)
}

func (hb *HybridBroker) UpdateTaskStatus(ctx context.Context, taskID string, status types.TaskStatus) error {
	return hb.storage.UpdateTaskStatus(ctx, taskID, status)
}

// Close 可重复调用
func (hb *HybridBroker) Close() error {
	var err error
	hb.closeOnce.Do(func() {
		hb.cancel()
		hb.wg.Wait()
		if hb.transport != nil {
			if terr := hb.transport.Close(); terr != nil {
				hb.logger.Warn().Err(terr).Msg("close transport")
			}
		}
		err = hb.storage.Close()
	})
	return err
}

func (hb *HybridBroker) Storage() storage.Storage {
	return hb.storage
}

// DistributeTask 按任务 ID 选一个存活节点投递；还没有发现任何节点时退回广播
func (hb *HybridBroker) DistributeTask(ctx context.Context, task *types.Task) error {
	if hb.transport == nil {
		return ErrClusterDisabled
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	node, err := hb.transport.SelectNode(task.ID)
	if errors.Is(err, transport.ErrNoNodes) {
		hb.logger.Warn().Str("task_id", task.ID).Msg("no live nodes, broadcasting task")
		return hb.transport.PublishTask(ctx, task)
	}
	if err != nil {
		return err
	}
	hb.logger.Debug().Str("task_id", task.ID).Str("node_id", node).Msg("distribute task")
	return hb.transport.PublishTaskTo(ctx, node, task)
}

// Nodes 返回集群中最近有心跳的节点
func (hb *HybridBroker) Nodes(ctx context.Context) ([]string, error) {
	if hb.transport == nil {
		return nil, ErrClusterDisabled
	}
	return hb.transport.DiscoverNodes(ctx)
}
