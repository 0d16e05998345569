package events

// ============================================================================
// 通知中心 (Hub)
// ============================================================================
//
// 觀察者註冊表：每個訂閱者是一個有緩衝的 channel。
//   - Emit 永不阻塞：channel 已滿的訂閱者直接移除並關閉其 channel
//   - 保留最近 N 筆 result_posted 事件，新訂閱者先收到目前狀態再收到歷史
//   - queue_cleared 會清空歷史
//
// 歷史只存在記憶體中，程序重啟即遺失。
//
// ============================================================================

import (
	"context"
	"log/slog"
	"sync"

	"github.com/akamine-lab/calc-pi-dist/pkg/types"
)

const (
	DefaultHistory = 50
	DefaultBuffer  = 64
)

// Subscription 單一觀察者
type Subscription struct {
	C  <-chan types.Event
	ch chan types.Event
}

// Hub 事件扇出與結果歷史
type Hub struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	history []types.Event
	maxHist int
	buffer  int
	logger  *slog.Logger
}

// NewHub 建立通知中心；history / buffer 小於等於 0 時使用預設值
func NewHub(history, buffer int, logger *slog.Logger) *Hub {
	if history <= 0 {
		history = DefaultHistory
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:    make(map[*Subscription]struct{}),
		maxHist: history,
		buffer:  buffer,
		logger:  logger,
	}
}

// Emit 記錄歷史並送給所有訂閱者
func (h *Hub) Emit(ctx context.Context, e types.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch e.Type {
	case types.EventResultPosted:
		h.history = append(h.history, e)
		if len(h.history) > h.maxHist {
			h.history = append([]types.Event(nil), h.history[len(h.history)-h.maxHist:]...)
		}
	case types.EventQueueCleared:
		h.history = nil
	}

	for sub := range h.subs {
		select {
		case sub.ch <- e:
		default:
			delete(h.subs, sub)
			close(sub.ch)
			h.logger.Warn("dropping slow subscriber", "event", e.Type, "subscribers", len(h.subs))
		}
	}
	return nil
}

// Subscribe 註冊觀察者；initial 事件（目前狀態）先送出，接著重播歷史結果
func (h *Hub) Subscribe(initial ...types.Event) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.buffer
	if n := len(initial) + len(h.history); n > size {
		size = n + h.buffer
	}
	ch := make(chan types.Event, size)
	for _, e := range initial {
		ch <- e
	}
	for _, e := range h.history {
		ch <- e
	}

	sub := &Subscription{C: ch, ch: ch}
	h.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe 移除觀察者並關閉其 channel；重複呼叫無副作用
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// Recent 回傳最近的 result_posted 事件（舊到新）
func (h *Hub) Recent() []types.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]types.Event{}, h.history...)
}

// Subscribers 目前訂閱者數量
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
