package worker

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"

	"github.com/akamine-lab/calc-pi-dist/internal/server"
	"github.com/akamine-lab/calc-pi-dist/pkg/types"
)

// DefaultRPCTimeout bounds every call made by GrpcJobSource.
const DefaultRPCTimeout = 10 * time.Second

// GrpcJobSource is an implementation of JobSource that leases jobs from a
// remote queue via gRPC.
type GrpcJobSource struct {
	client  *server.Client
	timeout time.Duration
}

// NewGrpcJobSource creates a new GrpcJobSource.
// conn should be an established gRPC connection; timeout <= 0 uses DefaultRPCTimeout.
func NewGrpcJobSource(conn grpc.ClientConnInterface, timeout time.Duration) *GrpcJobSource {
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	return &GrpcJobSource{
		client:  server.NewClient(conn),
		timeout: timeout,
	}
}

// LeaseNext fetches one job from the remote queue.
func (s *GrpcJobSource) LeaseNext(ctx context.Context) (*types.LeasedJob, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	job, err := s.client.LeaseNext(ctx)
	if err != nil {
		return nil, fmt.Errorf("rpc lease failed: %w", err)
	}
	return job, nil
}

// Complete reports a result to the remote queue.
func (s *GrpcJobSource) Complete(ctx context.Context, jobID types.JobID, result types.Payload) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Complete(ctx, jobID, result); err != nil {
		return fmt.Errorf("rpc complete failed: %w", err)
	}
	return nil
}

// Fail reports a failure to the remote queue.
func (s *GrpcJobSource) Fail(ctx context.Context, jobID types.JobID, message string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Fail(ctx, jobID, message); err != nil {
		return fmt.Errorf("rpc fail failed: %w", err)
	}
	return nil
}
