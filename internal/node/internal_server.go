package node

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"

	"kvrepair/internal/gossip"
	"kvrepair/internal/repair"
	"kvrepair/internal/rpc"
)

// InternalServer implements the internal gRPC service on top of a node.
type InternalServer struct {
	n *Node
}

// NewInternalServer creates a new internal server instance.
func NewInternalServer(n *Node) *InternalServer {
	return &InternalServer{n: n}
}

func (s *InternalServer) Ping(_ context.Context, req *rpc.PingRequest) (*rpc.PingResponse, error) {
	s.n.HandlePing(req.From)
	return &rpc.PingResponse{NodeID: s.n.id}, nil
}

func (s *InternalServer) Gossip(_ context.Context, req *rpc.GossipRequest) (*rpc.GossipResponse, error) {
	return &rpc.GossipResponse{Members: s.n.HandleGossip(req.Members)}, nil
}

func (s *InternalServer) ApplyMutation(_ context.Context, req *rpc.MutationRequest) (*rpc.Empty, error) {
	if err := s.n.ApplyLocal(req.Keyspace, req.Table, req.Fragments); err != nil {
		return nil, err
	}
	return &rpc.Empty{}, nil
}

func (s *InternalServer) FlushHintsBatchlog(ctx context.Context, req *rpc.FlushRequest) (*rpc.Empty, error) {
	if err := s.n.replica.FlushHintsBatchlog(ctx, req.From); err != nil {
		return nil, err
	}
	return &rpc.Empty{}, nil
}

func (s *InternalServer) RangeDigest(ctx context.Context, req *repair.DigestRequest) (*rpc.DigestResponse, error) {
	leaves, err := s.n.replica.RangeDigest(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &rpc.DigestResponse{Leaves: leaves}, nil
}

func (s *InternalServer) PartitionHashes(ctx context.Context, req *repair.HashRequest) (*rpc.HashResponse, error) {
	hashes, err := s.n.replica.PartitionHashes(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &rpc.HashResponse{Hashes: hashes}, nil
}

func (s *InternalServer) FetchPartitions(ctx context.Context, req *repair.FetchRequest) (*rpc.FetchResponse, error) {
	parts, err := s.n.replica.FetchPartitions(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &rpc.FetchResponse{Partitions: parts}, nil
}

func (s *InternalServer) StreamFragments(ctx context.Context, req *repair.StreamRequest) (*rpc.Empty, error) {
	if err := s.n.replica.StreamFragments(ctx, *req); err != nil {
		return nil, err
	}
	return &rpc.Empty{}, nil
}

func (s *InternalServer) RecordHistory(ctx context.Context, req *rpc.HistoryRequest) (*rpc.Empty, error) {
	if err := s.n.replica.RecordHistory(ctx, req.Entries); err != nil {
		return nil, err
	}
	return &rpc.Empty{}, nil
}

func (s *InternalServer) GetInjection(_ context.Context, req *rpc.InjectionRequest) (*structpb.Struct, error) {
	return rpc.InjectionToStruct(s.n.injection.Get(req.Name))
}

func (s *InternalServer) GetConfig(_ context.Context, req *rpc.ConfigRequest) (*rpc.ConfigResponse, error) {
	row, err := s.n.configTable.Select(req.Name)
	if err != nil {
		return nil, err
	}
	return &rpc.ConfigResponse{Row: row}, nil
}

func (s *InternalServer) SetConfig(_ context.Context, req *rpc.ConfigRequest) (*rpc.ConfigResponse, error) {
	row, err := s.n.UpdateConfig(req.Name, req.Value)
	if err != nil {
		return nil, err
	}
	return &rpc.ConfigResponse{Row: row}, nil
}

// HandlePing marks the caller alive; a node that can ping us is up.
func (n *Node) HandlePing(from string) {
	if from != "" && from != n.id {
		n.membership.MarkAlive(from)
	}
}

// HandleGossip merges a remote view and returns ours.
func (n *Node) HandleGossip(members []gossip.Member) []gossip.Member {
	n.membership.ApplyGossip(members)
	return n.membership.Snapshot()
}
