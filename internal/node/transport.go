package node

import (
	"context"
	"sync"

	"github.com/hyp3rd/ewrap"
	"google.golang.org/grpc"

	"kvrepair/internal/config"
	"kvrepair/internal/gossip"
	"kvrepair/internal/history"
	"kvrepair/internal/repair"
	"kvrepair/internal/rpc"
	"kvrepair/internal/sentinel"
	"kvrepair/internal/storage"
)

// Transport carries every internode call a node makes.
type Transport interface {
	repair.Transport
	Ping(ctx context.Context, target, from string) error
	Gossip(ctx context.Context, target, from string, members []gossip.Member) ([]gossip.Member, error)
	ApplyMutation(ctx context.Context, target, keyspace, table string, frags []storage.Fragment) error
}

// InProcessTransport routes calls to nodes running in the same process.
// A node that is not registered is down.
type InProcessTransport struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewInProcessTransport creates an empty transport.
func NewInProcessTransport() *InProcessTransport {
	return &InProcessTransport{nodes: make(map[string]*Node)}
}

// Register makes n reachable.
func (t *InProcessTransport) Register(n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[n.ID()] = n
}

// Unregister makes the node unreachable.
func (t *InProcessTransport) Unregister(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, id)
}

func (t *InProcessTransport) node(ctx context.Context, id string) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	n, ok := t.nodes[id]
	t.mu.RUnlock()
	if !ok {
		return nil, ewrap.Wrapf(sentinel.ErrNodeDown, "%s", id)
	}
	return n, nil
}

func (t *InProcessTransport) Ping(ctx context.Context, target, from string) error {
	n, err := t.node(ctx, target)
	if err != nil {
		return err
	}
	n.HandlePing(from)
	return nil
}

func (t *InProcessTransport) Gossip(ctx context.Context, target, _ string, members []gossip.Member) ([]gossip.Member, error) {
	n, err := t.node(ctx, target)
	if err != nil {
		return nil, err
	}
	return n.HandleGossip(members), nil
}

func (t *InProcessTransport) ApplyMutation(ctx context.Context, target, keyspace, table string, frags []storage.Fragment) error {
	n, err := t.node(ctx, target)
	if err != nil {
		return err
	}
	return n.ApplyLocal(keyspace, table, frags)
}

func (t *InProcessTransport) FlushHintsBatchlog(ctx context.Context, target, from string) error {
	n, err := t.node(ctx, target)
	if err != nil {
		return err
	}
	return n.replica.FlushHintsBatchlog(ctx, from)
}

func (t *InProcessTransport) RangeDigest(ctx context.Context, target string, req repair.DigestRequest) ([]uint64, error) {
	n, err := t.node(ctx, target)
	if err != nil {
		return nil, err
	}
	return n.replica.RangeDigest(ctx, req)
}

func (t *InProcessTransport) PartitionHashes(ctx context.Context, target string, req repair.HashRequest) (map[string]uint64, error) {
	n, err := t.node(ctx, target)
	if err != nil {
		return nil, err
	}
	return n.replica.PartitionHashes(ctx, req)
}

func (t *InProcessTransport) FetchPartitions(ctx context.Context, target string, req repair.FetchRequest) (map[string][]storage.Fragment, error) {
	n, err := t.node(ctx, target)
	if err != nil {
		return nil, err
	}
	return n.replica.FetchPartitions(ctx, req)
}

func (t *InProcessTransport) StreamFragments(ctx context.Context, target string, req repair.StreamRequest) error {
	n, err := t.node(ctx, target)
	if err != nil {
		return err
	}
	return n.replica.StreamFragments(ctx, req)
}

func (t *InProcessTransport) RecordHistory(ctx context.Context, target string, entries []history.Entry) error {
	n, err := t.node(ctx, target)
	if err != nil {
		return err
	}
	return n.replica.RecordHistory(ctx, entries)
}

// GRPCTransport reaches peers over the internal gRPC service.
type GRPCTransport struct {
	mu      sync.RWMutex
	addrs   map[string]string // node id -> address
	clients *rpc.ClientManager
}

// NewGRPCTransport creates a transport for the given peers.
func NewGRPCTransport(peers []config.Peer, opts ...grpc.DialOption) *GRPCTransport {
	t := &GRPCTransport{
		addrs:   make(map[string]string, len(peers)),
		clients: rpc.NewClientManager(opts...),
	}
	for _, p := range peers {
		t.addrs[p.ID] = p.Addr
	}
	return t
}

// SetAddr adds or replaces the address of a node.
func (t *GRPCTransport) SetAddr(id, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addrs[id] = addr
}

// Close closes every connection.
func (t *GRPCTransport) Close() {
	t.clients.Close()
}

func (t *GRPCTransport) client(id string) (*rpc.Client, error) {
	t.mu.RLock()
	addr, ok := t.addrs[id]
	t.mu.RUnlock()
	if !ok {
		return nil, ewrap.Wrapf(sentinel.ErrNodeNotFound, "%s", id)
	}
	return t.clients.Get(addr)
}

func (t *GRPCTransport) Ping(ctx context.Context, target, from string) error {
	c, err := t.client(target)
	if err != nil {
		return err
	}
	_, err = c.Ping(ctx, from)
	return err
}

func (t *GRPCTransport) Gossip(ctx context.Context, target, from string, members []gossip.Member) ([]gossip.Member, error) {
	c, err := t.client(target)
	if err != nil {
		return nil, err
	}
	return c.Gossip(ctx, from, members)
}

func (t *GRPCTransport) ApplyMutation(ctx context.Context, target, keyspace, table string, frags []storage.Fragment) error {
	c, err := t.client(target)
	if err != nil {
		return err
	}
	return c.ApplyMutation(ctx, keyspace, table, frags)
}

func (t *GRPCTransport) FlushHintsBatchlog(ctx context.Context, target, from string) error {
	c, err := t.client(target)
	if err != nil {
		return err
	}
	return c.FlushHintsBatchlog(ctx, from)
}

func (t *GRPCTransport) RangeDigest(ctx context.Context, target string, req repair.DigestRequest) ([]uint64, error) {
	c, err := t.client(target)
	if err != nil {
		return nil, err
	}
	return c.RangeDigest(ctx, req)
}

func (t *GRPCTransport) PartitionHashes(ctx context.Context, target string, req repair.HashRequest) (map[string]uint64, error) {
	c, err := t.client(target)
	if err != nil {
		return nil, err
	}
	return c.PartitionHashes(ctx, req)
}

func (t *GRPCTransport) FetchPartitions(ctx context.Context, target string, req repair.FetchRequest) (map[string][]storage.Fragment, error) {
	c, err := t.client(target)
	if err != nil {
		return nil, err
	}
	return c.FetchPartitions(ctx, req)
}

func (t *GRPCTransport) StreamFragments(ctx context.Context, target string, req repair.StreamRequest) error {
	c, err := t.client(target)
	if err != nil {
		return err
	}
	return c.StreamFragments(ctx, req)
}

func (t *GRPCTransport) RecordHistory(ctx context.Context, target string, entries []history.Entry) error {
	c, err := t.client(target)
	if err != nil {
		return err
	}
	return c.RecordHistory(ctx, entries)
}
