package events

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akamine-lab/calc-pi-dist/pkg/types"
)

func result(i int) types.Event {
	return types.Event{
		Type:   types.EventResultPosted,
		JobID:  types.JobID(fmt.Sprintf("job-%d", i)),
		Result: types.Payload{"i": i},
	}
}

func drain(sub *Subscription) []types.Event {
	var out []types.Event
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestHubBroadcast(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(0, 0, nil)

	a := hub.Subscribe()
	b := hub.Subscribe()
	assert.Equal(t, 2, hub.Subscribers())

	state := types.StateEvent(types.QueueState{QueueLength: 3})
	require.NoError(t, hub.Emit(ctx, state))

	assert.Equal(t, []types.Event{state}, drain(a))
	assert.Equal(t, []types.Event{state}, drain(b))
}

func TestHubReplayOnSubscribe(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(3, 4, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Emit(ctx, result(i)))
	}
	recent := hub.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, types.JobID("job-2"), recent[0].JobID)
	assert.Equal(t, types.JobID("job-4"), recent[2].JobID)

	state := types.StateEvent(types.QueueState{QueueLength: 1, InflightCount: 2})
	sub := hub.Subscribe(state)
	got := drain(sub)
	require.Len(t, got, 4)
	assert.Equal(t, state, got[0], "current state comes first")
	assert.Equal(t, types.JobID("job-2"), got[1].JobID)
}

func TestHubDropsFullSubscriber(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(10, 2, nil)

	slow := hub.Subscribe()
	fast := hub.Subscribe()

	for i := 0; i < 3; i++ {
		require.NoError(t, hub.Emit(ctx, result(i)))
		drain(fast)
	}

	assert.Equal(t, 1, hub.Subscribers())
	got := drain(slow)
	assert.Len(t, got, 2)
	_, ok := <-slow.C
	assert.False(t, ok, "dropped subscriber's channel is closed")
}

func TestHubQueueClearedResetsHistory(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(0, 0, nil)

	require.NoError(t, hub.Emit(ctx, result(1)))
	require.NoError(t, hub.Emit(ctx, types.Event{Type: types.EventQueueCleared}))
	assert.Empty(t, hub.Recent())
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub(0, 0, nil)
	sub := hub.Subscribe()

	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)
	assert.Zero(t, hub.Subscribers())

	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestFanout(t *testing.T) {
	ctx := context.Background()
	var got []types.EventType
	record := EmitterFunc(func(_ context.Context, e types.Event) error {
		got = append(got, e.Type)
		return nil
	})
	failing := EmitterFunc(func(context.Context, types.Event) error {
		return errors.New("sink down")
	})

	err := Fanout{record, nil, failing, record}.Emit(ctx, types.Event{Type: types.EventJobUpdate})
	assert.EqualError(t, err, "sink down")
	assert.Equal(t, []types.EventType{types.EventJobUpdate, types.EventJobUpdate}, got)

	assert.NoError(t, Discard.Emit(ctx, types.Event{}))
}
