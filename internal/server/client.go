package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/akamine-lab/calc-pi-dist/internal/jobmanager"
	"github.com/akamine-lab/calc-pi-dist/internal/store"
	"github.com/akamine-lab/calc-pi-dist/pkg/types"
)

// Client calls the JobQueue service. Status codes are mapped back to the
// same sentinel errors the in-process queue returns.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial opens a plaintext connection to addr.
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}) error {
	err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, out)
	if err == nil {
		return nil
	}
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", jobmanager.ErrNotFound, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", jobmanager.ErrInvalidJobID, st.Message())
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", store.ErrUnavailable, st.Message())
	}
	return fmt.Errorf("rpc %s failed: %w", method, err)
}

func (c *Client) Enqueue(ctx context.Context, payload types.Payload) (types.JobID, error) {
	in, err := structpb.NewStruct(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	out := &wrapperspb.StringValue{}
	if err := c.invoke(ctx, "Enqueue", in, out); err != nil {
		return "", err
	}
	return types.JobID(out.GetValue()), nil
}

func (c *Client) Seed(ctx context.Context, n int) ([]types.JobID, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, "Seed", wrapperspb.Int32(int32(n)), out); err != nil {
		return nil, err
	}
	list, _ := out.AsMap()["job_ids"].([]interface{})
	ids := make([]types.JobID, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			ids = append(ids, types.JobID(s))
		}
	}
	return ids, nil
}

// LeaseNext returns nil when the queue is empty.
func (c *Client) LeaseNext(ctx context.Context) (*types.LeasedJob, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, "LeaseNext", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	m := out.AsMap()
	id, _ := m["job_id"].(string)
	if id == "" {
		return nil, nil
	}
	payload, _ := m["payload"].(map[string]interface{})
	lease, _ := m["lease_sec"].(float64)
	return &types.LeasedJob{ID: types.JobID(id), Payload: payload, LeaseSeconds: int(lease)}, nil
}

func (c *Client) Complete(ctx context.Context, id types.JobID, result types.Payload) error {
	if result == nil {
		result = types.Payload{}
	}
	in, err := structpb.NewStruct(map[string]interface{}{
		"job_id": string(id),
		"result": map[string]interface{}(result),
	})
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return c.invoke(ctx, "Complete", in, &emptypb.Empty{})
}

func (c *Client) Fail(ctx context.Context, id types.JobID, message string) error {
	in, err := structpb.NewStruct(map[string]interface{}{
		"job_id": string(id),
		"error":  message,
	})
	if err != nil {
		return fmt.Errorf("encode failure: %w", err)
	}
	return c.invoke(ctx, "Fail", in, &emptypb.Empty{})
}

func (c *Client) GetResult(ctx context.Context, id types.JobID) (types.Payload, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, "GetResult", wrapperspb.String(string(id)), out); err != nil {
		return nil, err
	}
	return types.Payload(out.AsMap()), nil
}

func (c *Client) Snapshot(ctx context.Context) (types.QueueState, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, "Snapshot", &emptypb.Empty{}, out); err != nil {
		return types.QueueState{}, err
	}
	m := out.AsMap()
	ql, _ := m["queue_length"].(float64)
	ic, _ := m["inflight_count"].(float64)
	return types.QueueState{QueueLength: int64(ql), InflightCount: int64(ic)}, nil
}

func (c *Client) ListJobs(ctx context.Context) (types.JobListing, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, "ListJobs", &emptypb.Empty{}, out); err != nil {
		return types.JobListing{}, err
	}
	m := out.AsMap()
	return types.JobListing{
		Queued:   listToEntries(m["queue_jobs"]),
		Inflight: listToEntries(m["inflight_jobs"]),
	}, nil
}

func (c *Client) ClearAll(ctx context.Context) error {
	return c.invoke(ctx, "ClearAll", &emptypb.Empty{}, &emptypb.Empty{})
}

func listToEntries(v interface{}) []types.JobEntry {
	list, _ := v.([]interface{})
	out := make([]types.JobEntry, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := m["job_id"].(string)
		payload, _ := m["payload"].(map[string]interface{})
		out = append(out, types.JobEntry{ID: types.JobID(id), Payload: payload})
	}
	return out
}
