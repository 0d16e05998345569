package store

import (
	"context"
	"errors"
	"strconv"

	r "github.com/redis/go-redis/v9"
)

// moveToQueueScript removes each ARGV member from the zset and pushes it onto
// the list only when ZREM reported a removal.
var moveToQueueScript = r.NewScript(`
local moved = {}
for i, id in ipairs(ARGV) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('LPUSH', KEYS[2], id)
    table.insert(moved, id)
  end
end
return moved
`)

// Redis stores queues as LISTs (LPUSH / RPOP), ordered sets as ZSETs and
// records as STRING keys.
type Redis struct {
	rdb *r.Client
}

// NewRedis wraps an existing client.
func NewRedis(rdb *r.Client) *Redis { return &Redis{rdb} }

// OpenRedis connects using a redis:// URL.
func OpenRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := r.ParseURL(url)
	if err != nil {
		return nil, err
	}
	s := NewRedis(r.NewClient(opts))
	if err := s.Ping(ctx); err != nil {
		s.rdb.Close()
		return nil, err
	}
	return s, nil
}

func (s *Redis) Push(ctx context.Context, queue, id string) error {
	if err := s.rdb.LPush(ctx, queue, id).Err(); err != nil {
		return unavailable("lpush", err)
	}
	return nil
}

func (s *Redis) Pop(ctx context.Context, queue string) (string, bool, error) {
	id, err := s.rdb.RPop(ctx, queue).Result()
	if errors.Is(err, r.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("rpop", err)
	}
	return id, true, nil
}

func (s *Redis) QueueLen(ctx context.Context, queue string) (int64, error) {
	n, err := s.rdb.LLen(ctx, queue).Result()
	if err != nil {
		return 0, unavailable("llen", err)
	}
	return n, nil
}

// QueueMembers reverses LRANGE so the next id to be popped comes first.
func (s *Redis) QueueMembers(ctx context.Context, queue string) ([]string, error) {
	ids, err := s.rdb.LRange(ctx, queue, 0, -1).Result()
	if err != nil {
		return nil, unavailable("lrange", err)
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

func (s *Redis) ZAdd(ctx context.Context, set, member string, score float64) error {
	if err := s.rdb.ZAdd(ctx, set, r.Z{Score: score, Member: member}).Err(); err != nil {
		return unavailable("zadd", err)
	}
	return nil
}

func (s *Redis) ZRem(ctx context.Context, set, member string) error {
	if err := s.rdb.ZRem(ctx, set, member).Err(); err != nil {
		return unavailable("zrem", err)
	}
	return nil
}

func (s *Redis) ZRangeByScore(ctx context.Context, set string, max float64, limit int64) ([]string, error) {
	if limit <= 0 {
		return []string{}, nil
	}
	ids, err := s.rdb.ZRangeByScore(ctx, set, &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatFloat(max, 'f', -1, 64), Offset: 0, Count: limit,
	}).Result()
	if err != nil {
		return nil, unavailable("zrangebyscore", err)
	}
	return ids, nil
}

func (s *Redis) ZCard(ctx context.Context, set string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, set).Result()
	if err != nil {
		return 0, unavailable("zcard", err)
	}
	return n, nil
}

func (s *Redis) ZMembers(ctx context.Context, set string) ([]string, error) {
	ids, err := s.rdb.ZRange(ctx, set, 0, -1).Result()
	if err != nil {
		return nil, unavailable("zrange", err)
	}
	return ids, nil
}

func (s *Redis) Set(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (s *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, r.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get", err)
	}
	return v, true, nil
}

func (s *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, unavailable("exists", err)
	}
	return n > 0, nil
}

func (s *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

func (s *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	out := []string{}
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("scan", err)
	}
	return out, nil
}

type redisPipe struct {
	ctx  context.Context
	pipe r.Pipeliner
}

func (p redisPipe) Push(queue, id string) { p.pipe.LPush(p.ctx, queue, id) }
func (p redisPipe) ZAdd(set, member string, score float64) {
	p.pipe.ZAdd(p.ctx, set, r.Z{Score: score, Member: member})
}
func (p redisPipe) ZRem(set, member string) { p.pipe.ZRem(p.ctx, set, member) }
func (p redisPipe) Set(key, value string)   { p.pipe.Set(p.ctx, key, value, 0) }
func (p redisPipe) SetNX(key, value string) { p.pipe.SetNX(p.ctx, key, value, 0) }
func (p redisPipe) Del(keys ...string) {
	if len(keys) > 0 {
		p.pipe.Del(p.ctx, keys...)
	}
}

// Pipeline runs the queued commands inside MULTI/EXEC.
func (s *Redis) Pipeline(ctx context.Context, fn func(p Pipe)) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe r.Pipeliner) error {
		fn(redisPipe{ctx: ctx, pipe: pipe})
		return nil
	})
	if err != nil {
		return unavailable("multi/exec", err)
	}
	return nil
}

func (s *Redis) MoveToQueue(ctx context.Context, set, queue string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return []string{}, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	moved, err := moveToQueueScript.Run(ctx, s.rdb, []string{set, queue}, args...).StringSlice()
	if errors.Is(err, r.Nil) {
		return []string{}, nil
	}
	if err != nil {
		return nil, unavailable("eval", err)
	}
	return moved, nil
}

func (s *Redis) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Redis) Close() error {
	return s.rdb.Close()
}
