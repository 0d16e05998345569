// ============================================================================
// calc-pi-dist gRPC Server
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Exposes the queue operations as the gRPC service leaseq.v1.JobQueue
//
// Messages are protobuf well-known types (Struct, StringValue, Int32Value,
// Empty), so payloads stay opaque maps and no generated code is needed:
//
//   Enqueue    Struct{...payload}            → StringValue(job_id)
//   Seed       Int32Value(n)                 → Struct{job_ids}
//   LeaseNext  Empty                         → Struct{job_id, payload, lease_sec} | Struct{}
//   Complete   Struct{job_id, result}        → Empty
//   Fail       Struct{job_id, error}         → Empty
//   GetResult  StringValue(job_id)           → Struct{...result} | NotFound
//   Snapshot   Empty                         → Struct{queue_length, inflight_count}
//   ListJobs   Empty                         → Struct{queue_jobs, inflight_jobs}
//   ClearAll   Empty                         → Empty
//
// ============================================================================

package server

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/akamine-lab/calc-pi-dist/pkg/types"
)

const serviceName = "leaseq.v1.JobQueue"

// jobQueueServer is the handler type checked by grpc.RegisterService.
type jobQueueServer interface {
	Enqueue(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	Seed(context.Context, *wrapperspb.Int32Value) (*structpb.Struct, error)
	LeaseNext(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Complete(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Fail(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	GetResult(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Snapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListJobs(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ClearAll(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

func unary[Req proto.Message, Resp proto.Message](method string, newReq func() Req, call func(jobQueueServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(jobQueueServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(jobQueueServer), ctx, req.(Req))
			})
		},
	}
}

func newStruct() *structpb.Struct        { return &structpb.Struct{} }
func newEmpty() *emptypb.Empty           { return &emptypb.Empty{} }
func newString() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }
func newInt32() *wrapperspb.Int32Value   { return &wrapperspb.Int32Value{} }

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*jobQueueServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Enqueue", newStruct, jobQueueServer.Enqueue),
		unary("Seed", newInt32, jobQueueServer.Seed),
		unary("LeaseNext", newEmpty, jobQueueServer.LeaseNext),
		unary("Complete", newStruct, jobQueueServer.Complete),
		unary("Fail", newStruct, jobQueueServer.Fail),
		unary("GetResult", newString, jobQueueServer.GetResult),
		unary("Snapshot", newEmpty, jobQueueServer.Snapshot),
		unary("ListJobs", newEmpty, jobQueueServer.ListJobs),
		unary("ClearAll", newEmpty, jobQueueServer.ClearAll),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "leaseq/v1/jobqueue.proto",
}

// Server implements the gRPC JobQueue service on top of a Queue.
type Server struct {
	queue  Queue
	logger *slog.Logger
}

// NewServer creates a new gRPC server instance.
func NewServer(q Queue, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{queue: q, logger: logger}
}

// Register attaches the service to a grpc.Server.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	r.RegisterService(&serviceDesc, s)
}

// Enqueue handles job submission from clients.
func (s *Server) Enqueue(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	id, err := s.queue.Enqueue(ctx, types.Payload(req.AsMap()))
	if err != nil {
		return nil, s.toStatus("enqueue", err)
	}
	return wrapperspb.String(string(id)), nil
}

// Seed enqueues n dummy jobs.
func (s *Server) Seed(ctx context.Context, req *wrapperspb.Int32Value) (*structpb.Struct, error) {
	if req.GetValue() < 0 {
		return nil, status.Error(codes.InvalidArgument, "n must not be negative")
	}
	ids, err := s.queue.Seed(ctx, int(req.GetValue()))
	if err != nil {
		return nil, s.toStatus("seed", err)
	}
	list := make([]interface{}, len(ids))
	for i, id := range ids {
		list[i] = string(id)
	}
	return toStruct(map[string]interface{}{"job_ids": list})
}

// LeaseNext hands out one job; an empty Struct means the queue is empty.
func (s *Server) LeaseNext(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	job, err := s.queue.LeaseNext(ctx)
	if err != nil {
		return nil, s.toStatus("lease", err)
	}
	if job == nil {
		return &structpb.Struct{}, nil
	}
	return toStruct(map[string]interface{}{
		"job_id":    string(job.ID),
		"payload":   map[string]interface{}(job.Payload),
		"lease_sec": job.LeaseSeconds,
	})
}

// Complete stores a worker's result.
func (s *Server) Complete(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	m := req.AsMap()
	id, err := jobIDField(m)
	if err != nil {
		return nil, err
	}
	result, _ := m["result"].(map[string]interface{})
	if err := s.queue.Complete(ctx, id, types.Payload(result)); err != nil {
		return nil, s.toStatus("complete", err)
	}
	return &emptypb.Empty{}, nil
}

// Fail stores a worker's failure message.
func (s *Server) Fail(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	m := req.AsMap()
	id, err := jobIDField(m)
	if err != nil {
		return nil, err
	}
	msg, _ := m["error"].(string)
	if err := s.queue.Fail(ctx, id, msg); err != nil {
		return nil, s.toStatus("fail", err)
	}
	return &emptypb.Empty{}, nil
}

// GetResult returns the stored result, or NotFound.
func (s *Server) GetResult(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	result, err := s.queue.GetResult(ctx, types.JobID(req.GetValue()))
	if err != nil {
		return nil, s.toStatus("get result", err)
	}
	return toStruct(result)
}

// Snapshot returns queue counts.
func (s *Server) Snapshot(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	state, err := s.queue.Snapshot(ctx)
	if err != nil {
		return nil, s.toStatus("snapshot", err)
	}
	return toStruct(map[string]interface{}{
		"queue_length":   state.QueueLength,
		"inflight_count": state.InflightCount,
	})
}

// ListJobs returns queued and inflight jobs with payloads.
func (s *Server) ListJobs(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	listing, err := s.queue.ListJobs(ctx)
	if err != nil {
		return nil, s.toStatus("list jobs", err)
	}
	return toStruct(map[string]interface{}{
		"queue_jobs":    entriesToList(listing.Queued),
		"inflight_jobs": entriesToList(listing.Inflight),
	})
}

// ClearAll purges every job and result.
func (s *Server) ClearAll(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.queue.ClearAll(ctx); err != nil {
		return nil, s.toStatus("clear", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) toStatus(op string, err error) error {
	code := statusCode(err)
	if code == codes.Internal || code == codes.Unavailable {
		s.logger.Error("rpc failed", "op", op, "error", err)
	}
	return status.Error(code, err.Error())
}

func jobIDField(m map[string]interface{}) (types.JobID, error) {
	id, _ := m["job_id"].(string)
	if id == "" {
		return "", status.Error(codes.InvalidArgument, "job_id is required")
	}
	return types.JobID(id), nil
}

func toStruct(m map[string]interface{}) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return st, nil
}

func entriesToList(entries []types.JobEntry) []interface{} {
	out := make([]interface{}, len(entries))
	for i, e := range entries {
		out[i] = map[string]interface{}{
			"job_id":  string(e.ID),
			"payload": map[string]interface{}(e.Payload),
		}
	}
	return out
}
