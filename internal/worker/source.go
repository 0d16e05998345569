// ============================================================================
// calc-pi-dist Job Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines the abstraction for leasing jobs and reporting outcomes.
//
// Motivation:
//   The same Pool runs inside the queue process and as a remote worker.
//
//   - Local Mode: *jobmanager.JobManager satisfies JobSource directly.
//   - Distributed Mode: GrpcJobSource talks to the queue over gRPC.
//
// ============================================================================

package worker

import (
	"context"

	"github.com/akamine-lab/calc-pi-dist/pkg/types"
)

// JobSource defines the interface for leasing jobs and reporting outcomes.
type JobSource interface {
	// LeaseNext takes one job under a lease.
	//
	// Returns:
	//   - *types.LeasedJob: the leased job, or nil when the queue is empty.
	//   - error: transport or store failure.
	LeaseNext(ctx context.Context) (*types.LeasedJob, error)

	// Complete reports a result. Reporting the same job twice is harmless;
	// the first stored result wins.
	Complete(ctx context.Context, jobID types.JobID, result types.Payload) error

	// Fail reports that executing the job failed. The message is stored in
	// place of a result and the job is not retried.
	Fail(ctx context.Context, jobID types.JobID, message string) error
}
