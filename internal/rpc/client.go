package rpc

import (
	"context"
	"sync"

	"github.com/hyp3rd/ewrap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"kvrepair/internal/config"
	"kvrepair/internal/gossip"
	"kvrepair/internal/history"
	"kvrepair/internal/injection"
	"kvrepair/internal/repair"
	"kvrepair/internal/storage"
)

// Client calls the service on one node.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for addr. The connection is established lazily.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, ewrap.Wrapf(err, "failed to dial %s", addr)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, grpc.CallContentSubtype(CodecName))
	return fromStatus(err)
}

// Ping returns the id of the remote node.
func (c *Client) Ping(ctx context.Context, from string) (string, error) {
	var resp PingResponse
	if err := c.invoke(ctx, "Ping", &PingRequest{From: from}, &resp); err != nil {
		return "", err
	}
	return resp.NodeID, nil
}

// Gossip exchanges membership views.
func (c *Client) Gossip(ctx context.Context, from string, members []gossip.Member) ([]gossip.Member, error) {
	var resp GossipResponse
	if err := c.invoke(ctx, "Gossip", &GossipRequest{From: from, Members: members}, &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

// ApplyMutation writes fragments on the remote replica.
func (c *Client) ApplyMutation(ctx context.Context, keyspace, table string, frags []storage.Fragment) error {
	return c.invoke(ctx, "ApplyMutation", &MutationRequest{Keyspace: keyspace, Table: table, Fragments: frags}, &Empty{})
}

// FlushHintsBatchlog sends repair_flush_hints_batchlog_request.
func (c *Client) FlushHintsBatchlog(ctx context.Context, from string) error {
	return c.invoke(ctx, "FlushHintsBatchlog", &FlushRequest{From: from}, &Empty{})
}

func (c *Client) RangeDigest(ctx context.Context, req repair.DigestRequest) ([]uint64, error) {
	var resp DigestResponse
	if err := c.invoke(ctx, "RangeDigest", &req, &resp); err != nil {
		return nil, err
	}
	return resp.Leaves, nil
}

func (c *Client) PartitionHashes(ctx context.Context, req repair.HashRequest) (map[string]uint64, error) {
	var resp HashResponse
	if err := c.invoke(ctx, "PartitionHashes", &req, &resp); err != nil {
		return nil, err
	}
	return resp.Hashes, nil
}

func (c *Client) FetchPartitions(ctx context.Context, req repair.FetchRequest) (map[string][]storage.Fragment, error) {
	var resp FetchResponse
	if err := c.invoke(ctx, "FetchPartitions", &req, &resp); err != nil {
		return nil, err
	}
	return resp.Partitions, nil
}

func (c *Client) StreamFragments(ctx context.Context, req repair.StreamRequest) error {
	return c.invoke(ctx, "StreamFragments", &req, &Empty{})
}

func (c *Client) RecordHistory(ctx context.Context, entries []history.Entry) error {
	return c.invoke(ctx, "RecordHistory", &HistoryRequest{Entries: entries}, &Empty{})
}

// GetInjection returns the state of an injection point on the remote node.
func (c *Client) GetInjection(ctx context.Context, name string) (injection.State, error) {
	resp := new(structpb.Struct)
	if err := c.invoke(ctx, "GetInjection", &InjectionRequest{Name: name}, resp); err != nil {
		return injection.State{}, err
	}
	return InjectionFromStruct(resp), nil
}

// GetConfig reads a row of the remote config table.
func (c *Client) GetConfig(ctx context.Context, name string) (config.Row, error) {
	var resp ConfigResponse
	if err := c.invoke(ctx, "GetConfig", &ConfigRequest{Name: name}, &resp); err != nil {
		return config.Row{}, err
	}
	return resp.Row, nil
}

// SetConfig updates a row of the remote config table.
func (c *Client) SetConfig(ctx context.Context, name, value string) (config.Row, error) {
	var resp ConfigResponse
	if err := c.invoke(ctx, "SetConfig", &ConfigRequest{Name: name, Value: value}, &resp); err != nil {
		return config.Row{}, err
	}
	return resp.Row, nil
}

// ClientManager caches one client per node address.
type ClientManager struct {
	mu      sync.RWMutex
	clients map[string]*Client
	opts    []grpc.DialOption
}

// NewClientManager creates a manager dialing with opts.
func NewClientManager(opts ...grpc.DialOption) *ClientManager {
	return &ClientManager{
		clients: make(map[string]*Client),
		opts:    opts,
	}
}

// Get returns the client for addr, dialing on first use.
func (cm *ClientManager) Get(addr string) (*Client, error) {
	cm.mu.RLock()
	client, exists := cm.clients[addr]
	cm.mu.RUnlock()
	if exists {
		return client, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Double-check after acquiring write lock
	if client, exists := cm.clients[addr]; exists {
		return client, nil
	}
	client, err := Dial(addr, cm.opts...)
	if err != nil {
		return nil, err
	}
	cm.clients[addr] = client
	return client, nil
}

// Close closes every cached connection.
func (cm *ClientManager) Close() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for addr, c := range cm.clients {
		_ = c.Close()
		delete(cm.clients, addr)
	}
}
