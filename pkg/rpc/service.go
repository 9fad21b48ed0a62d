// Package rpc exposes the dispatcher over gRPC for programmatic clients.
//
// The service is execd.v1.Exec. Messages are well-known protobuf types so
// no generated code is needed:
//
//	Submit(google.protobuf.Struct) returns (google.protobuf.StringValue)
//	Poll(google.protobuf.StringValue) returns (google.protobuf.Struct)
//	Watch(google.protobuf.StringValue) returns (stream google.protobuf.Struct)
//
// Submit expects the submitter in the "x-execd-user" metadata key.
//
// Example Usage:
//
//	lis, _ := net.Listen("tcp", ":50051")
//	s := grpc.NewServer()
//	rpc.Register(s, rpc.NewServer(dispatcher, nil))
//	s.Serve(lis)
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "execd.v1.Exec"

	submitMethod = "/" + ServiceName + "/Submit"
	pollMethod   = "/" + ServiceName + "/Poll"
	watchMethod  = "/" + ServiceName + "/Watch"

	// SubmitterKey is the metadata key carrying the submitter.
	SubmitterKey = "x-execd-user"
)

// ExecServer is the server side of execd.v1.Exec.
type ExecServer interface {
	Submit(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	Poll(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Watch(*wrapperspb.StringValue, grpc.ServerStream) error
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv ExecServer) {
	s.RegisterService(&serviceDesc, srv)
}

func submitHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: submitMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ExecServer).Submit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func pollHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecServer).Poll(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pollMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ExecServer).Poll(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ExecServer).Watch(in, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExecServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "Poll", Handler: pollHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "execd/v1/exec.proto",
}
