package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/akamine-lab/calc-pi-dist/internal/events"
	"github.com/akamine-lab/calc-pi-dist/internal/jobmanager"
	"github.com/akamine-lab/calc-pi-dist/internal/store"
	"github.com/akamine-lab/calc-pi-dist/pkg/types"
)

const bufSize = 1 << 20

// newTestQueue 建立以記憶體 Store 為後端的 JobManager
func newTestQueue(t *testing.T, opts ...jobmanager.Option) (*jobmanager.JobManager, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	return jobmanager.NewJobManager(st, opts...), st
}

// dialServer 在 bufconn 上啟動 gRPC 服務並回傳 Client
func dialServer(t *testing.T, q Queue) *Client {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer()
	NewServer(q, nil).Register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGRPCLifecycle(t *testing.T) {
	q, _ := newTestQueue(t)
	c := dialServer(t, q)
	ctx := testContext(t)

	job, err := c.LeaseNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "empty queue leases nothing")

	id, err := c.Enqueue(ctx, types.Payload{"type": "bbp_hex", "start": 0, "count": 4})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	state, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.QueueState{QueueLength: 1, InflightCount: 0}, state)

	job, err = c.LeaseNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "bbp_hex", job.Payload["type"])
	assert.Equal(t, float64(4), job.Payload["count"])
	assert.Equal(t, 10, job.LeaseSeconds)

	listing, err := c.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, listing.Queued)
	require.Len(t, listing.Inflight, 1)
	assert.Equal(t, id, listing.Inflight[0].ID)

	require.NoError(t, c.Complete(ctx, id, types.Payload{"hex": "243F"}))

	result, err := c.GetResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.Payload{"hex": "243F"}, result)

	state, err = c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.QueueState{}, state)
}

func TestGRPCFailStoresErrorRecord(t *testing.T) {
	q, _ := newTestQueue(t)
	c := dialServer(t, q)
	ctx := testContext(t)

	id, err := c.Enqueue(ctx, types.Payload{"type": "unknown"})
	require.NoError(t, err)
	_, err = c.LeaseNext(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Fail(ctx, id, "unknown job type"))

	result, err := c.GetResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.Payload{"error": "unknown job type"}, result)
}

func TestGRPCSeedAndClear(t *testing.T) {
	q, _ := newTestQueue(t)
	c := dialServer(t, q)
	ctx := testContext(t)

	ids, err := c.Seed(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	state, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.QueueLength)

	require.NoError(t, c.ClearAll(ctx))
	state, err = c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.QueueState{}, state)
}

func TestGRPCErrorMapping(t *testing.T) {
	q, st := newTestQueue(t)
	c := dialServer(t, q)
	ctx := testContext(t)

	_, err := c.GetResult(ctx, "missing")
	assert.ErrorIs(t, err, jobmanager.ErrNotFound)

	err = c.Complete(ctx, "", types.Payload{})
	assert.ErrorIs(t, err, jobmanager.ErrInvalidJobID)

	_, err = c.Seed(ctx, -1)
	assert.ErrorIs(t, err, jobmanager.ErrInvalidJobID, "InvalidArgument maps back to the input sentinel")

	require.NoError(t, st.Close())
	_, err = c.Snapshot(ctx)
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestGRPCStatusCodes(t *testing.T) {
	q, _ := newTestQueue(t)
	srv := NewServer(q, nil)
	ctx := context.Background()

	_, err := srv.GetResult(ctx, wrapperspb.String("missing"))
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = srv.Seed(ctx, wrapperspb.Int32(-2))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestStatusCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"not found", jobmanager.ErrNotFound, codes.NotFound},
		{"invalid", jobmanager.ErrInvalidJobID, codes.InvalidArgument},
		{"unavailable", store.ErrUnavailable, codes.Unavailable},
		{"consistency", jobmanager.ErrConsistencyFault, codes.Internal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, statusCode(tc.err))
		})
	}
}

func TestGRPCDrivesHub(t *testing.T) {
	hub := events.NewHub(0, 0, nil)
	q, _ := newTestQueue(t, jobmanager.WithEmitter(hub))
	c := dialServer(t, q)
	ctx := testContext(t)

	id, err := c.Enqueue(ctx, types.Payload{"type": "dummy"})
	require.NoError(t, err)
	_, err = c.LeaseNext(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Complete(ctx, id, types.Payload{"ok": true}))

	recent := hub.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, id, recent[0].JobID)
}
