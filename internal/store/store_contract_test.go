package store

// ============================================================================
// Store contract tests, run against every variant
// ============================================================================

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("PushPopEachIdOnce", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		for i := 0; i < 5; i++ {
			require.NoError(t, s.Push(ctx, "q", fmt.Sprintf("id-%d", i)))
		}
		n, err := s.QueueLen(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)

		members, err := s.QueueMembers(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, []string{"id-0", "id-1", "id-2", "id-3", "id-4"}, members)

		var got []string
		for {
			id, ok, err := s.Pop(ctx, "q")
			require.NoError(t, err)
			if !ok {
				break
			}
			got = append(got, id)
		}
		assert.Equal(t, []string{"id-0", "id-1", "id-2", "id-3", "id-4"}, got)

		_, ok, err := s.Pop(ctx, "q")
		require.NoError(t, err)
		assert.False(t, ok, "empty queue pops nothing")
	})

	t.Run("ConcurrentPop", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		const total = 100
		for i := 0; i < total; i++ {
			require.NoError(t, s.Push(ctx, "q", fmt.Sprintf("id-%d", i)))
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]int)
			wg   sync.WaitGroup
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					id, ok, err := s.Pop(ctx, "q")
					if !assert.NoError(t, err) || !ok {
						return
					}
					mu.Lock()
					seen[id]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, total)
		for id, n := range seen {
			assert.Equal(t, 1, n, "id %s popped more than once", id)
		}
	})

	t.Run("OrderedSet", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.ZAdd(ctx, "z", "c", 30))
		require.NoError(t, s.ZAdd(ctx, "z", "a", 10))
		require.NoError(t, s.ZAdd(ctx, "z", "b", 20))
		require.NoError(t, s.ZAdd(ctx, "z", "d", 40))

		ids, err := s.ZRangeByScore(ctx, "z", 30, 100)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids)

		ids, err = s.ZRangeByScore(ctx, "z", 100, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids, "limit caps the range, oldest first")

		ids, err = s.ZRangeByScore(ctx, "z", 5, 10)
		require.NoError(t, err)
		assert.Empty(t, ids)

		require.NoError(t, s.ZRem(ctx, "z", "a"))
		require.NoError(t, s.ZRem(ctx, "z", "missing"))
		n, err := s.ZCard(ctx, "z")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		all, err := s.ZMembers(ctx, "z")
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c", "d"}, all)
	})

	t.Run("KeyValue", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, ok, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Set(ctx, "pfx:a", "1"))
		require.NoError(t, s.Set(ctx, "pfx:b", "2"))
		require.NoError(t, s.Set(ctx, "other", "3"))

		v, ok, err := s.Get(ctx, "pfx:a")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "1", v)

		exists, err := s.Exists(ctx, "pfx:b")
		require.NoError(t, err)
		assert.True(t, exists)

		keys, err := s.Keys(ctx, "pfx:")
		require.NoError(t, err)
		sort.Strings(keys)
		assert.Equal(t, []string{"pfx:a", "pfx:b"}, keys)

		require.NoError(t, s.Del(ctx, "pfx:a", "missing"))
		exists, err = s.Exists(ctx, "pfx:a")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("DelRemovesStructures", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.Push(ctx, "q", "x"))
		require.NoError(t, s.ZAdd(ctx, "z", "y", 1))
		require.NoError(t, s.Del(ctx, "q", "z"))

		n, err := s.QueueLen(ctx, "q")
		require.NoError(t, err)
		assert.Zero(t, n)
		n, err = s.ZCard(ctx, "z")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Pipeline", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.ZAdd(ctx, "z", "job", 1))
		err := s.Pipeline(ctx, func(p Pipe) {
			p.SetNX("result", "first")
			p.ZRem("z", "job")
			p.Push("q", "other")
			p.Set("k", "v")
		})
		require.NoError(t, err)

		err = s.Pipeline(ctx, func(p Pipe) {
			p.SetNX("result", "second")
		})
		require.NoError(t, err)

		v, _, err := s.Get(ctx, "result")
		require.NoError(t, err)
		assert.Equal(t, "first", v, "SetNX never overwrites")

		n, err := s.ZCard(ctx, "z")
		require.NoError(t, err)
		assert.Zero(t, n)

		id, ok, err := s.Pop(ctx, "q")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "other", id)

		require.NoError(t, s.Pipeline(ctx, func(p Pipe) {}), "empty pipeline is a no-op")
	})

	t.Run("MoveToQueueOnlyMovesPresentMembers", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.ZAdd(ctx, "z", "a", 1))
		require.NoError(t, s.ZAdd(ctx, "z", "b", 2))

		moved, err := s.MoveToQueue(ctx, "z", "q", []string{"a", "b", "ghost"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, moved)

		moved, err = s.MoveToQueue(ctx, "z", "q", []string{"a", "b"})
		require.NoError(t, err)
		assert.Empty(t, moved, "second move finds nothing")

		n, err := s.QueueLen(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n, "no duplicates pushed")

		moved, err = s.MoveToQueue(ctx, "z", "q", nil)
		require.NoError(t, err)
		assert.Empty(t, moved)
	})

	t.Run("ConcurrentMoveToQueue", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		ids := make([]string, 20)
		for i := range ids {
			ids[i] = fmt.Sprintf("id-%d", i)
			require.NoError(t, s.ZAdd(ctx, "z", ids[i], float64(i)))
		}

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.MoveToQueue(ctx, "z", "q", ids)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		members, err := s.QueueMembers(ctx, "q")
		require.NoError(t, err)
		assert.ElementsMatch(t, ids, members)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(context.Background()))
	})
}
