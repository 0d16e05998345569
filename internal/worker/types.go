package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/akamine-lab/calc-pi-dist/pkg/types"
)

// ErrUnknownJobType 表示 payload 的 type 沒有對應的執行器
var ErrUnknownJobType = errors.New("unknown job type")

// Executor 執行單一 payload 並回傳結果
type Executor interface {
	Execute(ctx context.Context, payload types.Payload) (types.Payload, error)
}

// ExecutorFunc 讓一般函式實作 Executor
type ExecutorFunc func(ctx context.Context, payload types.Payload) (types.Payload, error)

func (f ExecutorFunc) Execute(ctx context.Context, payload types.Payload) (types.Payload, error) {
	return f(ctx, payload)
}

// Registry 依 payload["type"] 選擇執行器；Register 必須在 Pool 啟動前完成
type Registry struct {
	executors map[string]Executor
}

// NewRegistry 建立空的執行器表
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// DefaultRegistry 內建 bbp_hex 與 dummy
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeBBPHex, ExecutorFunc(ExecuteBBPHex))
	r.Register(TypeDummy, ExecutorFunc(ExecuteDummy))
	return r
}

// Register 設定某個 type 的執行器，重複註冊會覆蓋
func (r *Registry) Register(jobType string, e Executor) {
	r.executors[jobType] = e
}

// Execute 找出執行器並執行
func (r *Registry) Execute(ctx context.Context, payload types.Payload) (types.Payload, error) {
	jobType, _ := payload["type"].(string)
	e, ok := r.executors[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	return e.Execute(ctx, payload)
}
