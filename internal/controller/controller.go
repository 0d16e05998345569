// ============================================================================
// calc-pi-dist 控制器 - 背景循環協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 在佇列程序中執行所有背景工作
//
// 架構設計:
//   - JobManager: 任務生命週期（lease / complete / reclaim）
//   - Store: 後端儲存；內嵌 store 實作 store.Persister 時才需要快照
//   - WorkerPool: 選用的本地 Worker，直接以 JobManager 作為 JobSource
//
// 核心循環:
//   1. Reclaim Loop - 每個 ReclaimInterval 把過期租約放回佇列
//   2. Snapshot Loop - 定期把內嵌 store 寫入快照檔（只有 Persister 才啟動）
//
// 關閉順序:
//   1. cancel()      → 通知所有循環與 Worker
//   2. pool.Stop()   → 等待 Worker 回到迴圈頂端
//   3. loopWg.Wait() → 等待循環退出
//   4. Persist()     → 最後一次快照
//   Store 由呼叫端擁有，Controller 不會關閉它。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/akamine-lab/calc-pi-dist/internal/jobmanager"
	"github.com/akamine-lab/calc-pi-dist/internal/store"
	"github.com/akamine-lab/calc-pi-dist/internal/worker"
)

// ============================================================================
// 資料結構定義
// ============================================================================

var (
	ErrAlreadyStarted = errors.New("controller already started")
	ErrStopped        = errors.New("controller stopped")
)

const DefaultReclaimInterval = time.Second

// Config Controller 配置
type Config struct {
	ReclaimInterval  time.Duration // 回收週期，<= 0 時為 1s
	SnapshotInterval time.Duration // 快照間隔，<= 0 時不定期快照
	WorkerCount      int           // 本地 Worker 數量，0 表示不啟動
	WorkerBackoff    time.Duration // 本地 Worker 佇列為空時的等待
}

// ReclaimObserver 接收每次回收的耗時與錯誤
type ReclaimObserver interface {
	ObserveReclaim(d time.Duration, err error)
}

// Option 設定 Controller
type Option func(*Controller)

// WithReclaimObserver 回報每次回收（通常是 metrics.Collector）
func WithReclaimObserver(o ReclaimObserver) Option {
	return func(c *Controller) { c.observer = o }
}

// WithLatencyObserver 傳給本地 Worker Pool
func WithLatencyObserver(o worker.LatencyObserver) Option {
	return func(c *Controller) { c.latency = o }
}

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// Controller 核心控制器
type Controller struct {
	config     Config
	jobManager *jobmanager.JobManager
	persister  store.Persister
	observer   ReclaimObserver
	latency    worker.LatencyObserver
	logger     *slog.Logger

	mu      sync.Mutex
	pool    *worker.Pool
	cancel  context.CancelFunc
	loopWg  sync.WaitGroup
	started bool
	stopped bool
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - config: Controller 配置
//   - jm: 任務管理器
//   - st: 後端 store；實作 store.Persister 時啟用快照循環
func NewController(config Config, jm *jobmanager.JobManager, st store.Store, opts ...Option) *Controller {
	if config.ReclaimInterval <= 0 {
		config.ReclaimInterval = DefaultReclaimInterval
	}
	c := &Controller{
		config:     config,
		jobManager: jm,
	}
	if p, ok := st.(store.Persister); ok {
		c.persister = p
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Start 啟動背景循環與本地 Worker
//
// 返回值：
//   - error: ErrAlreadyStarted / ErrStopped / Worker Pool 啟動失敗
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)

	if c.config.WorkerCount > 0 {
		pool := worker.NewPool(c.jobManager, nil,
			worker.WithBackoff(c.config.WorkerBackoff),
			worker.WithLatencyObserver(c.latency),
			worker.WithLogger(c.logger),
		)
		if err := pool.Start(ctx, c.config.WorkerCount); err != nil {
			cancel()
			return err
		}
		c.pool = pool
	}

	c.loopWg.Add(1)
	go c.reclaimLoop(ctx)

	if c.persister != nil && c.config.SnapshotInterval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop(ctx)
	}

	c.cancel = cancel
	c.started = true
	c.logger.Info("controller started",
		"reclaimInterval", c.config.ReclaimInterval,
		"workers", c.config.WorkerCount)
	return nil
}

// reclaimLoop 定期回收過期租約；單次失敗只記錄，下一輪繼續
func (c *Controller) reclaimLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("reclaim loop stopped")
			return
		case <-ticker.C:
			c.reclaim(ctx)
		}
	}
}

func (c *Controller) reclaim(ctx context.Context) {
	start := time.Now()
	ids, err := c.jobManager.ReclaimExpired(ctx)
	if c.observer != nil {
		c.observer.ObserveReclaim(time.Since(start), err)
	}
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("reclaim failed", "error", err)
		}
		return
	}
	if len(ids) > 0 {
		c.logger.Info("requeued expired jobs", "count", len(ids))
	}
}

// snapshotLoop 定期生成快照
func (c *Controller) snapshotLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("snapshot loop stopped")
			return
		case <-ticker.C:
			c.takeSnapshot()
		}
	}
}

func (c *Controller) takeSnapshot() {
	start := time.Now()
	if err := c.persister.Persist(); err != nil {
		c.logger.Error("failed to take snapshot", "error", err)
		return
	}
	c.logger.Debug("snapshot taken", "duration", time.Since(start))
}

// ============================================================================
// 公開方法
// ============================================================================

// Stop 優雅關閉 Controller；可重複呼叫
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	cancel, pool := c.cancel, c.pool
	c.mu.Unlock()

	c.logger.Info("stopping controller")

	if cancel != nil {
		cancel()
	}
	if pool != nil {
		pool.Stop()
	}
	c.loopWg.Wait()

	if c.persister != nil {
		c.takeSnapshot()
	}
	c.logger.Info("controller stopped")
}

// WorkerCount 返回本地 Worker 數量
func (c *Controller) WorkerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool == nil {
		return 0
	}
	return c.pool.GetWorkerCount()
}
