// ============================================================================
// calc-pi-dist Backing Store Adapter
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: The three primitive structures the lifecycle manager is built on
//
// Capabilities:
//   - queue:       Push / Pop / QueueLen / QueueMembers
//   - ordered set: ZAdd / ZRem / ZRangeByScore / ZCard / ZMembers
//   - key-value:   Set / Get / Exists / Del / Keys
//   - Pipeline:    several mutations applied as one atomic batch
//   - MoveToQueue: remove-from-set then push, per id, only if the remove hit
//
// Variants:
//   - Memory:   embedded, mutex-protected deque + min-heap + map (optional snapshot file)
//   - Redis:    networked, LIST + ZSET + STRING keys
//   - Postgres: networked, three tables, pipeline = transaction
//
// Every failure to reach the backing service is reported as ErrUnavailable.
// No variant holds business logic.
//
// ============================================================================

package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable 表示後端儲存無法連線或操作失敗
var ErrUnavailable = errors.New("store unavailable")

// Store is the capability set {queue, ordered-set, kv} the core depends on.
type Store interface {
	// Push appends id to the named queue.
	Push(ctx context.Context, queue, id string) error
	// Pop removes one id from the named queue. ok is false when the queue is empty.
	Pop(ctx context.Context, queue string) (id string, ok bool, err error)
	QueueLen(ctx context.Context, queue string) (int64, error)
	// QueueMembers lists every id currently in the queue, next-to-pop first.
	QueueMembers(ctx context.Context, queue string) ([]string, error)

	ZAdd(ctx context.Context, set, member string, score float64) error
	ZRem(ctx context.Context, set, member string) error
	// ZRangeByScore returns members with score <= max, lowest score first, at most limit.
	ZRangeByScore(ctx context.Context, set string, max float64, limit int64) ([]string, error)
	ZCard(ctx context.Context, set string) (int64, error)
	ZMembers(ctx context.Context, set string) ([]string, error)

	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Exists(ctx context.Context, key string) (bool, error)
	// Del removes keys of any structure type. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error
	// Keys lists kv keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Pipeline applies every operation queued on the Pipe as one atomic batch.
	Pipeline(ctx context.Context, fn func(p Pipe)) error
	// MoveToQueue removes each id from set and, only when that removal
	// happened in this call, pushes it onto queue. Returns the moved ids.
	MoveToQueue(ctx context.Context, set, queue string, ids []string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Pipe collects mutations for Store.Pipeline.
type Pipe interface {
	Push(queue, id string)
	ZAdd(set, member string, score float64)
	ZRem(set, member string)
	Set(key, value string)
	// SetNX stores value only when key does not exist yet.
	SetNX(key, value string)
	Del(keys ...string)
}

// Persister is implemented by variants that can flush their state to disk.
type Persister interface {
	Persist() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
