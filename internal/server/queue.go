package server

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/akamine-lab/calc-pi-dist/internal/jobmanager"
	"github.com/akamine-lab/calc-pi-dist/internal/store"
	"github.com/akamine-lab/calc-pi-dist/pkg/types"
)

// Queue is the set of operations both transports expose. *jobmanager.JobManager
// implements it.
type Queue interface {
	Enqueue(ctx context.Context, payload types.Payload) (types.JobID, error)
	Seed(ctx context.Context, n int) ([]types.JobID, error)
	LeaseNext(ctx context.Context) (*types.LeasedJob, error)
	Complete(ctx context.Context, id types.JobID, result types.Payload) error
	Fail(ctx context.Context, id types.JobID, message string) error
	GetResult(ctx context.Context, id types.JobID) (types.Payload, error)
	Snapshot(ctx context.Context) (types.QueueState, error)
	ListJobs(ctx context.Context) (types.JobListing, error)
	ClearAll(ctx context.Context) error
	Ping(ctx context.Context) error
}

var _ Queue = (*jobmanager.JobManager)(nil)

func statusCode(err error) codes.Code {
	switch {
	case errors.Is(err, jobmanager.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, jobmanager.ErrInvalidJobID):
		return codes.InvalidArgument
	case errors.Is(err, store.ErrUnavailable):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func httpStatus(err error) int {
	switch statusCode(err) {
	case codes.NotFound:
		return http.StatusNotFound
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
