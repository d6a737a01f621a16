package it

import (
	"fmt"
	"sync"
	"time"

	"kvrepair/internal/clock"
	"kvrepair/internal/config"
	"kvrepair/internal/history"
	"kvrepair/internal/logging"
	"kvrepair/internal/node"
	"kvrepair/internal/schema"
	"kvrepair/internal/storage"
)

// ServerOptions configures the servers of a cluster.
type ServerOptions struct {
	// Items are passed as command-line item values on every start.
	Items map[string]string
	// Configure adjusts the file configuration of each server.
	Configure func(*config.Config)
}

// Cluster is a set of in-process servers sharing a manual clock. Data,
// repair history, schema and logs of a server survive its restarts.
type Cluster struct {
	mu        sync.Mutex
	clock     *clock.Manual
	transport *node.InProcessTransport
	servers   []*Server
	opts      ServerOptions
}

// Server is one node of the cluster across restarts.
type Server struct {
	ID string

	cfg     *config.Config
	logs    *logging.Capture
	store   *storage.Store
	history *history.History
	catalog *schema.Catalog
	node    *node.Node
}

// NewCluster creates count servers named n1..nN, every one a peer of the
// others. Servers are not started.
func NewCluster(count int, opts ServerOptions) (*Cluster, error) {
	c := &Cluster{
		clock:     clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		transport: node.NewInProcessTransport(),
		opts:      opts,
	}

	ids := make([]string, count)
	for i := range ids {
		ids[i] = fmt.Sprintf("n%d", i+1)
	}
	for _, id := range ids {
		cfg := config.Defaults()
		cfg.Node.ID = id
		cfg.Node.ListenAddr = id
		cfg.Node.VNodes = 8
		cfg.Cluster.ReplicationFactor = count
		cfg.Repair.MerkleDepth = 4
		cfg.Hints.ReplayInterval = "1h"
		// membership changes are driven by the harness, never by timeouts
		cfg.Gossip = config.GossipConfig{ProbeInterval: "1h", SuspectAfter: "24h", DeadAfter: "48h"}
		for _, p := range ids {
			cfg.Node.Peers = append(cfg.Node.Peers, config.Peer{ID: p, Addr: p})
		}
		if opts.Configure != nil {
			opts.Configure(cfg)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config for %s: %w", id, err)
		}

		hist, err := history.Open("", logging.Discard())
		if err != nil {
			return nil, fmt.Errorf("failed to open history for %s: %w", id, err)
		}
		c.servers = append(c.servers, &Server{
			ID:      id,
			cfg:     cfg,
			logs:    logging.NewCapture(nil),
			store:   storage.NewStore(logging.Discard()),
			history: hist,
			catalog: schema.NewCatalog(),
		})
	}
	return c, nil
}

// StartCluster creates count servers and starts them all.
func StartCluster(count int, opts ServerOptions) (*Cluster, error) {
	c, err := NewCluster(count, opts)
	if err != nil {
		return nil, err
	}
	for _, s := range c.servers {
		if err := c.ServerStart(s.ID); err != nil {
			c.Stop()
			return nil, err
		}
	}
	return c, nil
}

// Clock returns the cluster clock.
func (c *Cluster) Clock() *clock.Manual { return c.clock }

// Servers returns every server, running or not.
func (c *Cluster) Servers() []*Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Server(nil), c.servers...)
}

// Server returns a server by ID.
func (c *Cluster) Server(id string) *Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server(id)
}

func (c *Cluster) server(id string) *Server {
	for _, s := range c.servers {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Running returns the running servers.
func (c *Cluster) Running() []*Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Server
	for _, s := range c.servers {
		if s.node != nil {
			out = append(out, s)
		}
	}
	return out
}

// ServerStart starts a stopped server. The other running servers see it
// alive, and it sees the stopped ones dead.
func (c *Cluster) ServerStart(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.server(id)
	if s == nil {
		return fmt.Errorf("server %s not found", id)
	}
	if s.node != nil {
		return nil
	}

	n, err := node.New(node.Options{
		Config:    s.cfg,
		Items:     c.opts.Items,
		Transport: c.transport,
		Clock:     c.clock,
		Logger:    s.logs.Logger(),
		Store:     s.store,
		History:   s.history,
		Catalog:   s.catalog,
	})
	if err != nil {
		return fmt.Errorf("failed to create server %s: %w", id, err)
	}
	if err := n.Start(); err != nil {
		return fmt.Errorf("failed to start server %s: %w", id, err)
	}
	s.node = n
	c.transport.Register(n)

	for _, other := range c.servers {
		if other == s {
			continue
		}
		if other.node == nil {
			n.Membership().MarkDead(other.ID)
			continue
		}
		other.node.Membership().MarkAlive(id)
	}
	return nil
}

// ServerStop stops a server gracefully: its memtables are flushed and the
// other servers see it dead.
func (c *Cluster) ServerStop(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.server(id)
	if s == nil {
		return fmt.Errorf("server %s not found", id)
	}
	if s.node == nil {
		return nil
	}
	c.transport.Unregister(id)
	s.node.Stop()
	s.node = nil

	for _, other := range c.servers {
		if other.node != nil {
			other.node.Membership().MarkDead(id)
		}
	}
	return nil
}

// ServerRestart stops and starts a server.
func (c *Cluster) ServerRestart(id string) error {
	if err := c.ServerStop(id); err != nil {
		return err
	}
	return c.ServerStart(id)
}

// RollingRestart restarts every running server one by one.
func (c *Cluster) RollingRestart() error {
	for _, s := range c.Running() {
		if err := c.ServerRestart(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every server and closes their history.
func (c *Cluster) Stop() {
	for _, s := range c.Servers() {
		_ = c.ServerStop(s.ID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.servers {
		_ = s.history.Close()
	}
}

// CreateKeyspace defines a keyspace on every server.
func (c *Cluster) CreateKeyspace(name string, rf int) error {
	for _, s := range c.Servers() {
		if err := s.catalog.CreateKeyspace(name, rf); err != nil {
			return err
		}
	}
	return nil
}

// CreateTable defines a table on every server.
func (c *Cluster) CreateTable(keyspace, name string, opts map[string]string) error {
	for _, s := range c.Servers() {
		if _, err := s.catalog.CreateTable(keyspace, name, opts); err != nil {
			return err
		}
		s.store.CreateTable(keyspace, name)
	}
	return nil
}

// AlterTable applies table options on every server.
func (c *Cluster) AlterTable(keyspace, name string, opts map[string]string) error {
	for _, s := range c.Servers() {
		if _, err := s.catalog.Alter(keyspace, name, opts); err != nil {
			return err
		}
	}
	return nil
}

// UpdateConfig updates a config item through system.config on every
// running server.
func (c *Cluster) UpdateConfig(item, value string) error {
	for _, s := range c.Running() {
		if _, err := s.node.UpdateConfig(item, value); err != nil {
			return fmt.Errorf("update %s on %s: %w", item, s.ID, err)
		}
	}
	return nil
}

// Node returns the running node, nil while stopped.
func (s *Server) Node() *node.Node { return s.node }

// Logs returns the log of the server across restarts.
func (s *Server) Logs() *logging.Capture { return s.logs }

// MutationFragments returns the fragment stream of a partition on the
// server.
func (s *Server) MutationFragments(keyspace, table, pk string) ([]storage.MutationFragment, error) {
	return s.store.MutationFragments(keyspace, table, pk)
}
