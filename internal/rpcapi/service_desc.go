package rpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The wire messages are protobuf well-known types, so both services are
// described by hand instead of from generated code.
//
//	service execgate.v1.Daemon {
//	  rpc Connect(google.protobuf.Empty) returns (stream google.protobuf.BytesValue);
//	  rpc Allow(google.protobuf.UInt64Value) returns (google.protobuf.Empty);
//	  rpc Deny(google.protobuf.UInt64Value) returns (google.protobuf.Empty);
//	  rpc ClearCache(google.protobuf.Empty) returns (google.protobuf.Empty);
//	  rpc CacheCount(google.protobuf.Empty) returns (google.protobuf.UInt64Value);
//	}
//
//	service execgate.v1.Gate {
//	  rpc Authorize(google.protobuf.BytesValue) returns (google.protobuf.Struct);
//	}
const (
	daemonServiceName = "execgate.v1.Daemon"
	gateServiceName   = "execgate.v1.Gate"

	connectMethod    = "/" + daemonServiceName + "/Connect"
	allowMethod      = "/" + daemonServiceName + "/Allow"
	denyMethod       = "/" + daemonServiceName + "/Deny"
	clearCacheMethod = "/" + daemonServiceName + "/ClearCache"
	cacheCountMethod = "/" + daemonServiceName + "/CacheCount"
	authorizeMethod  = "/" + gateServiceName + "/Authorize"
)

// SessionHeader carries the daemon session ID: sent by the server in the
// Connect response header, and required on every other Daemon call.
const SessionHeader = "x-execgate-session"

// TimeoutHeader optionally carries the hook's wait budget on Authorize as a
// Go duration string.
const TimeoutHeader = "x-execgate-timeout"

// daemonHandler and gateHandler are checked by grpc at registration.
type daemonHandler interface {
	connect(*emptypb.Empty, grpc.ServerStream) error
	allow(context.Context, *wrapperspb.UInt64Value) (*emptypb.Empty, error)
}

type gateHandler interface {
	authorize(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error)
}

var daemonServiceDesc = grpc.ServiceDesc{
	ServiceName: daemonServiceName,
	HandlerType: (*daemonHandler)(nil),
	Methods: []grpc.MethodDesc{
		unary[wrapperspb.UInt64Value]("Allow", allowMethod, (*Server).allow),
		unary[wrapperspb.UInt64Value]("Deny", denyMethod, (*Server).deny),
		unary[emptypb.Empty]("ClearCache", clearCacheMethod, (*Server).clearCache),
		unary[emptypb.Empty]("CacheCount", cacheCountMethod, (*Server).cacheCount),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Connect",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(emptypb.Empty)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(*Server).connect(in, stream)
		},
	}},
}

var gateServiceDesc = grpc.ServiceDesc{
	ServiceName: gateServiceName,
	HandlerType: (*gateHandler)(nil),
	Methods: []grpc.MethodDesc{
		unary[wrapperspb.BytesValue]("Authorize", authorizeMethod, (*Server).authorize),
	},
}

// unary adapts a typed handler method to grpc's untyped MethodDesc.
func unary[Req any, PReq interface {
	*Req
	proto.Message
}, Resp proto.Message](name, fullMethod string, call func(*Server, context.Context, PReq) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(PReq))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
