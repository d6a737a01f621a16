package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"kvrepair/internal/repair"
)

// ServiceName is the full gRPC service name.
const ServiceName = "kvrepair.Internal"

// Handler is the server side of the service.
type Handler interface {
	Ping(ctx context.Context, req *PingRequest) (*PingResponse, error)
	Gossip(ctx context.Context, req *GossipRequest) (*GossipResponse, error)
	ApplyMutation(ctx context.Context, req *MutationRequest) (*Empty, error)
	FlushHintsBatchlog(ctx context.Context, req *FlushRequest) (*Empty, error)
	RangeDigest(ctx context.Context, req *repair.DigestRequest) (*DigestResponse, error)
	PartitionHashes(ctx context.Context, req *repair.HashRequest) (*HashResponse, error)
	FetchPartitions(ctx context.Context, req *repair.FetchRequest) (*FetchResponse, error)
	StreamFragments(ctx context.Context, req *repair.StreamRequest) (*Empty, error)
	RecordHistory(ctx context.Context, req *HistoryRequest) (*Empty, error)
	GetInjection(ctx context.Context, req *InjectionRequest) (*structpb.Struct, error)
	GetConfig(ctx context.Context, req *ConfigRequest) (*ConfigResponse, error)
	SetConfig(ctx context.Context, req *ConfigRequest) (*ConfigResponse, error)
}

// ServiceDesc describes the service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		unary("Ping", Handler.Ping),
		unary("Gossip", Handler.Gossip),
		unary("ApplyMutation", Handler.ApplyMutation),
		unary("FlushHintsBatchlog", Handler.FlushHintsBatchlog),
		unary("RangeDigest", Handler.RangeDigest),
		unary("PartitionHashes", Handler.PartitionHashes),
		unary("FetchPartitions", Handler.FetchPartitions),
		unary("StreamFragments", Handler.StreamFragments),
		unary("RecordHistory", Handler.RecordHistory),
		unary("GetInjection", Handler.GetInjection),
		unary("GetConfig", Handler.GetConfig),
		unary("SetConfig", Handler.SetConfig),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kvrepair/internal.proto",
}

// Register registers h on s.
func Register(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&ServiceDesc, h)
}

func unary[Req, Resp any](method string, call func(Handler, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			h := srv.(Handler)
			invoke := func(ctx context.Context, req any) (any, error) {
				resp, err := call(h, ctx, req.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return invoke(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, invoke)
		},
	}
}
