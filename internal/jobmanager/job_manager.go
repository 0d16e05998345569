// ============================================================================
// calc-pi-dist 任務管理器 - 租約式任務生命週期
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理任務從入隊、租用、完成到回收的完整生命週期
//
// 設計理念:
//   JobManager 本身不持有任何可變共享狀態，所有序列化都交給 store 的原子操作：
//   1. queue   (list) - 待處理任務 ID，每次 push 恰好被一次 pop 取得
//   2. inflight (zset) - 已租用任務 ID，分數為租約截止時間（unix 秒）
//   3. payload / result (kv) - 以任務 ID 為鍵的 JSON 記錄
//
// 任務狀態轉換:
//   Queued (待處理)
//      ↓ LeaseNext()
//   Inflight (租用中)
//      ↓ Complete() / Fail()          ↓ 租約過期 + ReclaimExpired()
//   Done (已有結果)                   Queued (重新入隊)
//
// 不變量:
//   - 任務 ID 同一時間最多只在 queue 或 inflight 其中之一，且不重複
//   - 存在結果記錄 ⇔ 任務至少完成過一次；結果一旦寫入不會被覆蓋
//   - queue / inflight 中的每個 ID 都有 payload 記錄，缺失即 ErrConsistencyFault
//   - 租約截止時間在租用時決定，之後不會延長
//
// 事件:
//   狀態變更寫入 store 之後才發送，發送失敗只記錄日誌、不影響呼叫結果。
//
// 已知限制:
//   - Pop 與 ZAdd 之間若程序崩潰，該任務會遺失（與 at-least-once 相容的取捨）
//   - ClearAll 不是快照隔離的，與並行流量同時執行時可能殘留部分記錄
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/akamine-lab/calc-pi-dist/internal/events"
	"github.com/akamine-lab/calc-pi-dist/internal/record"
	"github.com/akamine-lab/calc-pi-dist/internal/store"
	"github.com/akamine-lab/calc-pi-dist/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 佇列中的任務缺少 payload：store 在管理器之外被修改過
	ErrConsistencyFault = errors.New("consistency fault")
	// 任務結果不存在
	ErrNotFound = errors.New("job not found")
	// 任務 ID 為空
	ErrInvalidJobID = errors.New("invalid job id")
)

const (
	DefaultLease        = 10 * time.Second
	DefaultReclaimBatch = 100
)

// Recorder 接收計數與佇列大小，由 metrics.Collector 實作
type Recorder interface {
	RecordEnqueue(n int)
	RecordDispatch()
	RecordCompleted()
	RecordFailed()
	RecordRequeued(n int)
	UpdateQueueStats(s types.QueueState)
}

// JobManager 租約式任務管理器
type JobManager struct {
	store    store.Store
	keys     record.Keys
	lease    time.Duration
	batch    int64
	emitter  events.Emitter
	recorder Recorder
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
}

// Option 設定 JobManager
type Option func(*JobManager)

// WithKeys 使用自訂的鍵前綴佈局
func WithKeys(k record.Keys) Option { return func(jm *JobManager) { jm.keys = k } }

// WithLease 設定租約長度
func WithLease(d time.Duration) Option {
	return func(jm *JobManager) {
		if d > 0 {
			jm.lease = d
		}
	}
}

// WithReclaimBatch 設定每次回收的最大數量
func WithReclaimBatch(n int) Option {
	return func(jm *JobManager) {
		if n > 0 {
			jm.batch = int64(n)
		}
	}
}

// WithEmitter 設定事件接收者；未設定時不發送事件
func WithEmitter(e events.Emitter) Option { return func(jm *JobManager) { jm.emitter = e } }

func WithRecorder(r Recorder) Option { return func(jm *JobManager) { jm.recorder = r } }

func WithClock(now func() time.Time) Option { return func(jm *JobManager) { jm.now = now } }

func WithIDGenerator(gen func() string) Option { return func(jm *JobManager) { jm.newID = gen } }

func WithLogger(l *slog.Logger) Option { return func(jm *JobManager) { jm.logger = l } }

// NewJobManager 建立新的任務管理器實例
//
// 參數說明：
//   - st: 後端儲存（Memory / Redis / Postgres）
//   - opts: 選項，未指定時租約 10 秒、回收批次 100、鍵前綴 "pi"
//
// 使用範例：
//
//	jm := NewJobManager(store.NewMemory(), WithEmitter(hub))
//	id, err := jm.Enqueue(ctx, types.Payload{"type": "dummy"})
//
// 併發安全：返回的實例可被多個 goroutine 共用
func NewJobManager(st store.Store, opts ...Option) *JobManager {
	jm := &JobManager{
		store: st,
		keys:  record.NewKeys(record.DefaultPrefix),
		lease: DefaultLease,
		batch: DefaultReclaimBatch,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(jm)
	}
	if jm.logger == nil {
		jm.logger = slog.Default()
	}
	return jm
}

// LeaseSeconds 目前設定的租約秒數
func (jm *JobManager) LeaseSeconds() int { return int(jm.lease / time.Second) }

// ============================================================================
// 入隊
// ============================================================================

// Enqueue 將新任務加入佇列
//
// 參數說明：
//   - payload: 任務內容，核心不解讀；nil 視為空物件
//
// 返回值：
//   - types.JobID: 新產生的唯一 ID
//   - error: 只有 store.ErrUnavailable
//
// payload 與 ID 在同一個批次內寫入，之後發送 queue_changed + job_update。
func (jm *JobManager) Enqueue(ctx context.Context, payload types.Payload) (types.JobID, error) {
	ids, err := jm.enqueue(ctx, []types.Payload{payload})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// Seed 一次加入 n 個 dummy 任務：{"type":"dummy","i":i,"msg":"hello"}
func (jm *JobManager) Seed(ctx context.Context, n int) ([]types.JobID, error) {
	if n <= 0 {
		return []types.JobID{}, nil
	}
	payloads := make([]types.Payload, n)
	for i := range payloads {
		payloads[i] = types.Payload{"type": "dummy", "i": i, "msg": "hello"}
	}
	return jm.enqueue(ctx, payloads)
}

func (jm *JobManager) enqueue(ctx context.Context, payloads []types.Payload) ([]types.JobID, error) {
	ids := make([]types.JobID, len(payloads))
	raws := make([]string, len(payloads))
	for i, p := range payloads {
		raw, err := record.Encode(p)
		if err != nil {
			return nil, err
		}
		ids[i] = types.JobID(jm.newID())
		raws[i] = raw
	}

	err := jm.store.Pipeline(ctx, func(p store.Pipe) {
		for i, id := range ids {
			p.Set(jm.keys.Payload(id), raws[i])
			p.Push(jm.keys.Queue, string(id))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	if jm.recorder != nil {
		jm.recorder.RecordEnqueue(len(ids))
	}
	jm.emitChanged(ctx)
	return ids, nil
}

// ============================================================================
// 租用
// ============================================================================

// LeaseNext 取出下一個任務並開始租約
//
// 返回值：
//   - *types.LeasedJob: 租到的任務；佇列為空時為 nil（不是錯誤）
//   - error: store.ErrUnavailable 或 ErrConsistencyFault
//
// 截止時間 = now + lease（取整秒），寫入 inflight 後發送 queue_changed + job_update。
func (jm *JobManager) LeaseNext(ctx context.Context) (*types.LeasedJob, error) {
	raw, id, err := jm.pop(ctx)
	if err != nil || id == "" {
		return nil, err
	}

	payload, err := record.Decode(raw)
	if err != nil {
		jm.logger.Error("leased job has unreadable payload", "jobID", id, "error", err)
		return nil, fmt.Errorf("%w: job %s: %v", ErrConsistencyFault, id, err)
	}

	deadline := jm.now().Add(jm.lease).Unix()
	if err := jm.store.ZAdd(ctx, jm.keys.Inflight, string(id), float64(deadline)); err != nil {
		return nil, fmt.Errorf("lease %s: %w", id, err)
	}

	if jm.recorder != nil {
		jm.recorder.RecordDispatch()
	}
	jm.emitChanged(ctx)
	return &types.LeasedJob{ID: id, Payload: payload, LeaseSeconds: jm.LeaseSeconds()}, nil
}

func (jm *JobManager) pop(ctx context.Context) (string, types.JobID, error) {
	popped, ok, err := jm.store.Pop(ctx, jm.keys.Queue)
	if err != nil {
		return "", "", fmt.Errorf("lease: %w", err)
	}
	if !ok {
		return "", "", nil
	}
	id := types.JobID(popped)

	raw, ok, err := jm.store.Get(ctx, jm.keys.Payload(id))
	if err != nil {
		return "", "", fmt.Errorf("lease %s: %w", id, err)
	}
	if !ok {
		jm.logger.Error("queued job has no payload", "jobID", id)
		return "", "", fmt.Errorf("%w: job %s has no payload", ErrConsistencyFault, id)
	}
	return raw, id, nil
}

// ============================================================================
// 完成與失敗
// ============================================================================

// Complete 回報任務結果（冪等）
//
// 規則：
//   - 已有結果：只把 ID 從 inflight 移除，不覆蓋原結果，回傳成功
//   - 尚無結果：在同一批次內寫入結果（set-if-absent）並移出 inflight，
//     只有結果真正被保留的那次呼叫會發送 result_posted
//
// 從未被租用的 ID 也會成功（寬鬆行為）。
func (jm *JobManager) Complete(ctx context.Context, id types.JobID, result types.Payload) error {
	return jm.finish(ctx, id, result, false)
}

// Fail 回報任務失敗；與 Complete 相同的冪等規則，結果記錄為 {"error": message}
func (jm *JobManager) Fail(ctx context.Context, id types.JobID, message string) error {
	return jm.finish(ctx, id, record.Failure(message), true)
}

func (jm *JobManager) finish(ctx context.Context, id types.JobID, result types.Payload, failed bool) error {
	if id == "" {
		return ErrInvalidJobID
	}
	key := jm.keys.Result(id)

	exists, err := jm.store.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	if exists {
		if err := jm.store.ZRem(ctx, jm.keys.Inflight, string(id)); err != nil {
			return fmt.Errorf("complete %s: %w", id, err)
		}
		jm.logger.Debug("duplicate completion ignored", "jobID", id)
		jm.emitChanged(ctx)
		return nil
	}

	raw, err := record.Encode(result)
	if err != nil {
		return err
	}
	err = jm.store.Pipeline(ctx, func(p store.Pipe) {
		p.SetNX(key, raw)
		p.ZRem(jm.keys.Inflight, string(id))
	})
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}

	// 並行的第一次完成只有一方寫入成功
	stored, _, err := jm.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	if stored == raw {
		if jm.recorder != nil {
			if failed {
				jm.recorder.RecordFailed()
			} else {
				jm.recorder.RecordCompleted()
			}
		}
		jm.emit(ctx, types.Event{
			Type:      types.EventResultPosted,
			JobID:     id,
			Result:    result,
			Timestamp: jm.now().Unix(),
		})
	}
	jm.emitChanged(ctx)
	return nil
}

// ============================================================================
// 查詢
// ============================================================================

// GetResult 讀取任務結果；不存在時回傳 ErrNotFound
func (jm *JobManager) GetResult(ctx context.Context, id types.JobID) (types.Payload, error) {
	if id == "" {
		return nil, ErrInvalidJobID
	}
	raw, ok, err := jm.store.Get(ctx, jm.keys.Result(id))
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", id, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	result, err := record.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: result %s: %v", ErrConsistencyFault, id, err)
	}
	return result, nil
}

// Snapshot 佇列長度與租用中數量
func (jm *JobManager) Snapshot(ctx context.Context) (types.QueueState, error) {
	var s types.QueueState
	var err error
	if s.QueueLength, err = jm.store.QueueLen(ctx, jm.keys.Queue); err != nil {
		return s, fmt.Errorf("snapshot: %w", err)
	}
	if s.InflightCount, err = jm.store.ZCard(ctx, jm.keys.Inflight); err != nil {
		return s, fmt.Errorf("snapshot: %w", err)
	}
	return s, nil
}

// ListJobs 列出待處理（下一個先）與租用中（截止時間早的先）任務
//
// payload 缺失或無法解析的 ID 會被略過並記錄警告。
func (jm *JobManager) ListJobs(ctx context.Context) (types.JobListing, error) {
	queued, err := jm.store.QueueMembers(ctx, jm.keys.Queue)
	if err != nil {
		return types.JobListing{}, fmt.Errorf("list jobs: %w", err)
	}
	inflight, err := jm.store.ZMembers(ctx, jm.keys.Inflight)
	if err != nil {
		return types.JobListing{}, fmt.Errorf("list jobs: %w", err)
	}

	listing := types.JobListing{}
	if listing.Queued, err = jm.entries(ctx, queued); err != nil {
		return types.JobListing{}, err
	}
	if listing.Inflight, err = jm.entries(ctx, inflight); err != nil {
		return types.JobListing{}, err
	}
	return listing, nil
}

func (jm *JobManager) entries(ctx context.Context, ids []string) ([]types.JobEntry, error) {
	out := make([]types.JobEntry, 0, len(ids))
	for _, s := range ids {
		id := types.JobID(s)
		raw, ok, err := jm.store.Get(ctx, jm.keys.Payload(id))
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		if !ok {
			jm.logger.Warn("listed job has no payload", "jobID", id)
			continue
		}
		payload, err := record.Decode(raw)
		if err != nil {
			jm.logger.Warn("listed job has unreadable payload", "jobID", id, "error", err)
			continue
		}
		out = append(out, types.JobEntry{ID: id, Payload: payload})
	}
	return out, nil
}

// ============================================================================
// 管理與回收
// ============================================================================

// ClearAll 清除佇列、inflight 以及所有 payload / result 記錄
//
// 先列舉再刪除；與並行流量同時執行時不保證隔離。
func (jm *JobManager) ClearAll(ctx context.Context) error {
	payloadKeys, err := jm.store.Keys(ctx, jm.keys.PayloadPrefix)
	if err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	resultKeys, err := jm.store.Keys(ctx, jm.keys.ResultPrefix)
	if err != nil {
		return fmt.Errorf("clear: %w", err)
	}

	keys := make([]string, 0, len(payloadKeys)+len(resultKeys)+2)
	keys = append(keys, payloadKeys...)
	keys = append(keys, resultKeys...)
	keys = append(keys, jm.keys.Queue, jm.keys.Inflight)
	if err := jm.store.Pipeline(ctx, func(p store.Pipe) { p.Del(keys...) }); err != nil {
		return fmt.Errorf("clear: %w", err)
	}

	jm.logger.Info("queue cleared", "records", len(payloadKeys)+len(resultKeys))
	jm.emit(ctx, types.Event{Type: types.EventQueueCleared, Timestamp: jm.now().Unix()})
	jm.emitChanged(ctx)
	return nil
}

// ReclaimExpired 執行一次回收：把截止時間 <= now 的任務放回佇列
//
// 返回值：
//   - []types.JobID: 本次真正移回佇列的 ID（被其他回收者搶先的不算）
//   - error: store.ErrUnavailable
//
// 多個回收者並行時安全：MoveToQueue 只有在本次呼叫移除成功時才 push。
func (jm *JobManager) ReclaimExpired(ctx context.Context) ([]types.JobID, error) {
	now := float64(jm.now().Unix())
	expired, err := jm.store.ZRangeByScore(ctx, jm.keys.Inflight, now, jm.batch)
	if err != nil {
		return nil, fmt.Errorf("reclaim: %w", err)
	}
	if len(expired) == 0 {
		return nil, nil
	}

	moved, err := jm.store.MoveToQueue(ctx, jm.keys.Inflight, jm.keys.Queue, expired)
	if err != nil {
		return nil, fmt.Errorf("reclaim: %w", err)
	}
	if len(moved) == 0 {
		return nil, nil
	}

	ids := make([]types.JobID, len(moved))
	for i, s := range moved {
		ids[i] = types.JobID(s)
	}
	jm.logger.Info("requeued expired leases", "count", len(ids))
	if jm.recorder != nil {
		jm.recorder.RecordRequeued(len(ids))
	}

	jm.emitState(ctx)
	if jm.emitter != nil {
		if listing, err := jm.ListJobs(ctx); err != nil {
			jm.logger.Warn("failed to list jobs for requeue event", "error", err)
		} else {
			e := types.ListingEvent(types.EventJobsRequeued, listing)
			e.Requeued = ids
			jm.emit(ctx, e)
		}
	}
	return ids, nil
}

// Ping 檢查後端儲存是否可用
func (jm *JobManager) Ping(ctx context.Context) error {
	return jm.store.Ping(ctx)
}

// ============================================================================
// 事件
// ============================================================================

func (jm *JobManager) emit(ctx context.Context, e types.Event) {
	if jm.emitter == nil {
		return
	}
	if err := jm.emitter.Emit(ctx, e); err != nil {
		jm.logger.Warn("failed to emit event", "event", e.Type, "error", err)
	}
}

// emitState 發送 queue_changed 並更新 recorder 的佇列大小
func (jm *JobManager) emitState(ctx context.Context) {
	if jm.emitter == nil && jm.recorder == nil {
		return
	}
	state, err := jm.Snapshot(ctx)
	if err != nil {
		jm.logger.Warn("failed to read queue state", "error", err)
		return
	}
	if jm.recorder != nil {
		jm.recorder.UpdateQueueStats(state)
	}
	jm.emit(ctx, types.StateEvent(state))
}

// emitChanged 發送 queue_changed + job_update
func (jm *JobManager) emitChanged(ctx context.Context) {
	jm.emitState(ctx)
	if jm.emitter == nil {
		return
	}
	listing, err := jm.ListJobs(ctx)
	if err != nil {
		jm.logger.Warn("failed to list jobs", "error", err)
		return
	}
	jm.emit(ctx, types.ListingEvent(types.EventJobUpdate, listing))
}
