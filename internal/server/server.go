package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/forge-queue/internal/jobstore"
	"github.com/ChuLiYu/forge-queue/internal/submit"
	"github.com/ChuLiYu/forge-queue/pkg/types"
)

// Server implements the gRPC JobService on top of the submission service.
type Server struct {
	submit *submit.Service
	log    *zap.Logger
}

// NewServer creates a new gRPC server instance.
func NewServer(svc *submit.Service, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{submit: svc, log: log.Named("grpc")}
}

// batchRequest SubmitBatch 的請求內容
type batchRequest struct {
	OwnerID string           `json:"owner_id"`
	Jobs    []submit.Request `json:"jobs"`
}

// idRequest GetJob / CancelJob 的請求內容
type idRequest struct {
	ID string `json:"id"`
}

// SubmitJob handles job submission from clients.
func (s *Server) SubmitJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req submit.Request
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	job, err := s.submit.Submit(ctx, req)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(job)
}

// SubmitBatch handles batch submission.
func (s *Server) SubmitBatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req batchRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	res, err := s.submit.SubmitBatch(ctx, req.OwnerID, req.Jobs)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(res)
}

// GetJob returns the current state of a job.
func (s *Server) GetJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	job, err := s.submit.Get(ctx, types.JobID(req.ID))
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(job)
}

// CancelJob cancels a queued or processing job.
func (s *Server) CancelJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	job, err := s.submit.Cancel(ctx, types.JobID(req.ID))
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(job)
}

// Helpers

func (s *Server) toStatus(err error) error {
	code := codeFor(err)
	if code == codes.Internal {
		s.log.Error("rpc failed", zap.Error(err))
	}
	return status.Error(code, err.Error())
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, submit.ErrValidation):
		return codes.InvalidArgument
	case errors.Is(err, submit.ErrCapacityExceeded):
		return codes.ResourceExhausted
	case errors.Is(err, jobstore.ErrJobNotFound), errors.Is(err, submit.ErrBatchNotFound):
		return codes.NotFound
	case errors.Is(err, types.ErrInvalidTransition),
		errors.Is(err, submit.ErrJobActive),
		errors.Is(err, jobstore.ErrStatusMismatch):
		return codes.FailedPrecondition
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// toStruct 以 JSON 為中介把 Go 值轉成 structpb.Struct
func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// fromStruct 把 structpb.Struct 解到 Go 值
func fromStruct(in *structpb.Struct, v interface{}) error {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return status.Error(codes.InvalidArgument, fmt.Sprintf("decode request: %v", err))
	}
	return nil
}
