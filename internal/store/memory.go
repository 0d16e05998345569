package store

// ============================================================================
// 內嵌儲存實作
// ============================================================================
//
// 資料結構:
//   queues map[string]*deque    - FIFO 佇列
//   sets   map[string]*zset     - min-heap + member 索引，依分數排序
//   values map[string]string    - kv 記錄
//
// 並發安全:
//   單一 sync.Mutex 保護所有結構；Pipeline 與 MoveToQueue 在同一把鎖內完成，
//   因此對其他呼叫者而言是原子的。
//
// 持久化:
//   若設定了 snapshot 路徑，Persist() 會把所有結構寫入 JSON 快照，
//   OpenMemory() 啟動時載入。
//
// ============================================================================

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/akamine-lab/calc-pi-dist/internal/snapshot"
)

// Memory 內嵌儲存，適用單一程序部署與測試
type Memory struct {
	mu     sync.Mutex
	queues map[string]*deque
	sets   map[string]*zset
	values map[string]string
	seq    uint64 // 同分數成員的插入順序

	snap   *snapshot.Manager
	closed bool
}

// NewMemory 建立不持久化的內嵌儲存
func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string]*deque),
		sets:   make(map[string]*zset),
		values: make(map[string]string),
	}
}

// OpenMemory 建立內嵌儲存並從快照檔恢復狀態
func OpenMemory(snapshotPath string) (*Memory, error) {
	m := NewMemory()
	if snapshotPath == "" {
		return m, nil
	}

	m.snap = snapshot.NewManager(snapshotPath)
	data, err := m.snap.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	m.restore(data)
	return m, nil
}

// ============================================================================
// queue
// ============================================================================

type deque struct {
	items []string
}

func (d *deque) push(id string) { d.items = append(d.items, id) }

func (d *deque) pop() (string, bool) {
	if len(d.items) == 0 {
		return "", false
	}
	id := d.items[0]
	d.items[0] = ""
	d.items = d.items[1:]
	return id, true
}

func (m *Memory) Push(ctx context.Context, queue, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.push(queue, id)
	return nil
}

func (m *Memory) push(queue, id string) {
	q, ok := m.queues[queue]
	if !ok {
		q = &deque{}
		m.queues[queue] = q
	}
	q.push(id)
}

func (m *Memory) Pop(ctx context.Context, queue string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return "", false, err
	}
	q, ok := m.queues[queue]
	if !ok {
		return "", false, nil
	}
	id, ok := q.pop()
	if len(q.items) == 0 {
		delete(m.queues, queue)
	}
	return id, ok, nil
}

func (m *Memory) QueueLen(ctx context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	if q, ok := m.queues[queue]; ok {
		return int64(len(q.items)), nil
	}
	return 0, nil
}

func (m *Memory) QueueMembers(ctx context.Context, queue string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	q, ok := m.queues[queue]
	if !ok {
		return []string{}, nil
	}
	return append([]string(nil), q.items...), nil
}

// ============================================================================
// ordered set（min-heap）
// ============================================================================

type zentry struct {
	member string
	score  float64
	seq    uint64
	index  int
}

type zheap []*zentry

func (h zheap) Len() int { return len(h) }
func (h zheap) Less(i, j int) bool {
	if h[i].score == h[j].score {
		return h[i].seq < h[j].seq
	}
	return h[i].score < h[j].score
}
func (h zheap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *zheap) Push(x interface{}) {
	e := x.(*zentry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *zheap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

type zset struct {
	heap  zheap
	index map[string]*zentry
}

func newZSet() *zset {
	return &zset{index: make(map[string]*zentry)}
}

func (z *zset) add(member string, score float64, seq uint64) {
	if e, ok := z.index[member]; ok {
		e.score = score
		heap.Fix(&z.heap, e.index)
		return
	}
	e := &zentry{member: member, score: score, seq: seq}
	heap.Push(&z.heap, e)
	z.index[member] = e
}

func (z *zset) remove(member string) bool {
	e, ok := z.index[member]
	if !ok {
		return false
	}
	heap.Remove(&z.heap, e.index)
	delete(z.index, member)
	return true
}

// ordered 依分數由小到大走訪，直到 visit 回傳 false
func (z *zset) ordered(visit func(e *zentry) bool) {
	clone := make(zheap, len(z.heap))
	for i, e := range z.heap {
		c := *e
		clone[i] = &c
	}
	for clone.Len() > 0 {
		e := heap.Pop(&clone).(*zentry)
		if !visit(e) {
			return
		}
	}
}

func (m *Memory) ZAdd(ctx context.Context, set, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.zadd(set, member, score)
	return nil
}

func (m *Memory) zadd(set, member string, score float64) {
	z, ok := m.sets[set]
	if !ok {
		z = newZSet()
		m.sets[set] = z
	}
	m.seq++
	z.add(member, score, m.seq)
}

func (m *Memory) ZRem(ctx context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.zrem(set, member)
	return nil
}

func (m *Memory) zrem(set, member string) bool {
	z, ok := m.sets[set]
	if !ok {
		return false
	}
	removed := z.remove(member)
	if len(z.index) == 0 {
		delete(m.sets, set)
	}
	return removed
}

func (m *Memory) ZRangeByScore(ctx context.Context, set string, max float64, limit int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	out := []string{}
	z, ok := m.sets[set]
	if !ok || limit <= 0 {
		return out, nil
	}
	z.ordered(func(e *zentry) bool {
		if e.score > max || int64(len(out)) >= limit {
			return false
		}
		out = append(out, e.member)
		return true
	})
	return out, nil
}

func (m *Memory) ZCard(ctx context.Context, set string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	if z, ok := m.sets[set]; ok {
		return int64(len(z.index)), nil
	}
	return 0, nil
}

func (m *Memory) ZMembers(ctx context.Context, set string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	out := []string{}
	if z, ok := m.sets[set]; ok {
		z.ordered(func(e *zentry) bool {
			out = append(out, e.member)
			return true
		})
	}
	return out, nil
}

// ============================================================================
// key-value
// ============================================================================

func (m *Memory) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.values[key] = value
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return "", false, err
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	_, ok := m.values[key]
	return ok, nil
}

func (m *Memory) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.del(keys...)
	return nil
}

func (m *Memory) del(keys ...string) {
	for _, k := range keys {
		delete(m.values, k)
		delete(m.queues, k)
		delete(m.sets, k)
	}
}

func (m *Memory) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	out := []string{}
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ============================================================================
// 原子批次
// ============================================================================

type memoryPipe struct {
	ops []func(m *Memory)
}

func (p *memoryPipe) Push(queue, id string) {
	p.ops = append(p.ops, func(m *Memory) { m.push(queue, id) })
}

func (p *memoryPipe) ZAdd(set, member string, score float64) {
	p.ops = append(p.ops, func(m *Memory) { m.zadd(set, member, score) })
}

func (p *memoryPipe) ZRem(set, member string) {
	p.ops = append(p.ops, func(m *Memory) { m.zrem(set, member) })
}

func (p *memoryPipe) Set(key, value string) {
	p.ops = append(p.ops, func(m *Memory) { m.values[key] = value })
}

func (p *memoryPipe) SetNX(key, value string) {
	p.ops = append(p.ops, func(m *Memory) {
		if _, ok := m.values[key]; !ok {
			m.values[key] = value
		}
	})
}

func (p *memoryPipe) Del(keys ...string) {
	p.ops = append(p.ops, func(m *Memory) { m.del(keys...) })
}

// Pipeline 先收集操作，再於同一把鎖內全部套用
func (m *Memory) Pipeline(ctx context.Context, fn func(p Pipe)) error {
	p := &memoryPipe{}
	fn(p)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	for _, op := range p.ops {
		op(m)
	}
	return nil
}

func (m *Memory) MoveToQueue(ctx context.Context, set, queue string, ids []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	moved := make([]string, 0, len(ids))
	for _, id := range ids {
		if m.zrem(set, id) {
			m.push(queue, id)
			moved = append(moved, id)
		}
	}
	return moved, nil
}

// ============================================================================
// 生命週期與快照
// ============================================================================

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check()
}

// Close 寫入最後一次快照（若有設定）並拒絕後續操作
func (m *Memory) Close() error {
	if err := m.Persist(); err != nil {
		return err
	}
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Persist 將目前狀態寫入快照檔；未設定路徑時不做任何事
func (m *Memory) Persist() error {
	if m.snap == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	data := m.dump()
	m.mu.Unlock()

	return m.snap.Write(data)
}

func (m *Memory) dump() snapshot.Data {
	data := snapshot.Empty()
	for name, q := range m.queues {
		data.Queues[name] = append([]string(nil), q.items...)
	}
	for name, z := range m.sets {
		members := make([]snapshot.Member, 0, len(z.index))
		z.ordered(func(e *zentry) bool {
			members = append(members, snapshot.Member{ID: e.member, Score: e.score})
			return true
		})
		data.Sets[name] = members
	}
	for k, v := range m.values {
		data.Values[k] = v
	}
	return data
}

func (m *Memory) restore(data snapshot.Data) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ids := range data.Queues {
		for _, id := range ids {
			m.push(name, id)
		}
	}
	for name, members := range data.Sets {
		for _, mem := range members {
			m.zadd(name, mem.ID, mem.Score)
		}
	}
	for k, v := range data.Values {
		m.values[k] = v
	}
}

func (m *Memory) check() error {
	if m.closed {
		return unavailable("memory", fmt.Errorf("store closed"))
	}
	return nil
}
