// Package api exposes the relay over gRPC on the instance's unix socket.
//
// Messages are protobuf well-known Structs; the Go shapes in types.go are
// converted through JSON on both sides.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "relay.v1.Control"

// Method names.
const (
	MethodGetStatus         = "GetStatus"
	MethodListParties       = "ListParties"
	MethodListMessages      = "ListMessages"
	MethodSendText          = "SendText"
	MethodDeleteMessage     = "DeleteMessage"
	MethodClearConversation = "ClearConversation"
	MethodWatchEvents       = "WatchEvents"
	MethodStartPairing      = "StartPairing"
)

// FullMethod returns the path used by clients to invoke method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// StructStream is the server side of a streaming call.
type StructStream interface {
	Context() context.Context
	Send(*structpb.Struct) error
}

// ControlServer is implemented by Service.
type ControlServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListParties(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClearConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, StructStream) error
	StartPairing(*structpb.Struct, StructStream) error
}

type unaryCall func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(ControlServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

type streamCall func(ControlServer, *structpb.Struct, StructStream) error

type structStream struct {
	grpc.ServerStream
}

func (s structStream) Send(m *structpb.Struct) error { return s.SendMsg(m) }

func serverStream(name string, call streamCall) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return call(srv.(ControlServer), in, structStream{stream})
		},
	}
}

// ServiceDesc describes relay.v1.Control for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, ControlServer.GetStatus),
		unary(MethodListParties, ControlServer.ListParties),
		unary(MethodListMessages, ControlServer.ListMessages),
		unary(MethodSendText, ControlServer.SendText),
		unary(MethodDeleteMessage, ControlServer.DeleteMessage),
		unary(MethodClearConversation, ControlServer.ClearConversation),
	},
	Streams: []grpc.StreamDesc{
		serverStream(MethodWatchEvents, ControlServer.WatchEvents),
		serverStream(MethodStartPairing, ControlServer.StartPairing),
	},
	Metadata: "relay/v1/control",
}

// Register attaches srv to s.
func Register(s *grpc.Server, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// StreamDesc returns the descriptor of a streaming method, for clients.
func StreamDesc(name string) *grpc.StreamDesc {
	for i := range ServiceDesc.Streams {
		if ServiceDesc.Streams[i].StreamName == name {
			return &ServiceDesc.Streams[i]
		}
	}
	return nil
}
