package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName gRPC 服務全名
const ServiceName = "forge.v1.JobService"

// 方法全名
const (
	methodSubmitJob   = "/" + ServiceName + "/SubmitJob"
	methodSubmitBatch = "/" + ServiceName + "/SubmitBatch"
	methodGetJob      = "/" + ServiceName + "/GetJob"
	methodCancelJob   = "/" + ServiceName + "/CancelJob"
)

// JobServiceServer JobService 的伺服端介面
//
// 請求與回應都是 google.protobuf.Struct，欄位與 HTTP API 的 JSON 相同。
type JobServiceServer interface {
	SubmitJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SubmitBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CancelJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterJobServiceServer 把實作註冊到 grpc.Server
func RegisterJobServiceServer(s grpc.ServiceRegistrar, srv JobServiceServer) {
	s.RegisterService(&JobServiceDesc, srv)
}

// JobServiceDesc 手寫的服務描述
var JobServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitJob", Handler: unaryHandler(methodSubmitJob, JobServiceServer.SubmitJob)},
		{MethodName: "SubmitBatch", Handler: unaryHandler(methodSubmitBatch, JobServiceServer.SubmitBatch)},
		{MethodName: "GetJob", Handler: unaryHandler(methodGetJob, JobServiceServer.GetJob)},
		{MethodName: "CancelJob", Handler: unaryHandler(methodCancelJob, JobServiceServer.CancelJob)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "forge/v1/job_service",
}

type unaryMethod func(JobServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(JobServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(JobServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}
