// ============================================================================
// calc-pi-dist Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期
//
// 設計模式:
//   每個 Worker 自己向 JobSource 拉取任務（pull 模式），
//   不需要中央分派 channel；佇列本身就是分派者。
//
//   ┌──────────────┐
//   │  JobSource   │ ←─ LeaseNext / Complete / Fail ─┐
//   └──────────────┘                                 │
//   ┌──────────────────────────────────────────────┐ │
//   │ Pool   Worker 1 ─┐                           │ │
//   │        Worker 2 ─┼───────────────────────────┼─┘
//   │        Worker 3 ─┘                           │
//   └──────────────────────────────────────────────┘
//
// 生命週期:
//   1. NewPool(source, registry, opts...)
//   2. Start(ctx, n) - 啟動 n 個 Worker
//   3. Stop() - 取消 context，等待所有 Worker 回到迴圈頂端後退出
//
// 錯誤處理:
//   - ErrPoolClosed: Stop 之後再次 Start
//   - ErrPoolStarted: 重複 Start
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolStarted 表示 Pool 已經啟動過
	ErrPoolStarted = errors.New("worker pool already started")
)

// DefaultBackoff 佇列為空時的等待時間
const DefaultBackoff = time.Second

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	source   JobSource
	registry *Registry
	backoff  time.Duration
	observer LatencyObserver
	logger   *slog.Logger

	// mu 保護以下欄位
	mu      sync.Mutex
	workers []*Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// PoolOption 設定 Pool
type PoolOption func(*Pool)

// WithBackoff 佇列為空或來源錯誤時的等待時間
func WithBackoff(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.backoff = d
		}
	}
}

// WithLatencyObserver 回報每個任務的執行時間
func WithLatencyObserver(o LatencyObserver) PoolOption {
	return func(p *Pool) { p.observer = o }
}

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - source: 任務來源（本地 JobManager 或 gRPC）
//   - registry: 執行器表；nil 時使用 DefaultRegistry()
func NewPool(source JobSource, registry *Registry, opts ...PoolOption) *Pool {
	if registry == nil {
		registry = DefaultRegistry()
	}
	p := &Pool{
		source:   source,
		registry: registry,
		backoff:  DefaultBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Start 啟動指定數量的 Worker
//
// 參數：
//   - ctx: 父 context，取消時所有 Worker 退出
//   - workerCount: 要啟動的 Worker 數量
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < workerCount; i++ {
		w := &Worker{
			id:       i,
			source:   p.source,
			registry: p.registry,
			backoff:  p.backoff,
			observer: p.observer,
			logger:   p.logger,
		}
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(ctx)
		}()
	}

	p.started = true
	p.logger.Info("worker pool started", "workers", workerCount)
	return nil
}

// Stop 取消所有 Worker 並等待退出；可重複呼叫
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
