package node

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/hyp3rd/ewrap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"kvrepair/internal/clock"
	"kvrepair/internal/config"
	"kvrepair/internal/gc"
	"kvrepair/internal/gossip"
	"kvrepair/internal/hints"
	"kvrepair/internal/history"
	"kvrepair/internal/injection"
	"kvrepair/internal/metrics"
	"kvrepair/internal/repair"
	"kvrepair/internal/ring"
	"kvrepair/internal/rpc"
	"kvrepair/internal/schema"
	"kvrepair/internal/storage"
)

// Options configures a Node. Store, History and Catalog survive a restart
// when the caller passes the same values to the next Node.
type Options struct {
	Config     *config.Config
	ConfigPath string            // watched for live item changes when set
	Items      map[string]string // command-line item values
	Transport  Transport
	Clock      clock.Clock
	Logger     *slog.Logger
	Store      *storage.Store
	History    *history.History // not closed by Stop when set
	Catalog    *schema.Catalog
}

// Node represents a single node in the cluster.
type Node struct {
	id         string
	listenAddr string
	fileCfg    *config.Config
	configPath string
	clock      clock.Clock
	ts         *clock.Timestamper
	logger     *slog.Logger

	items       *config.Store
	configTable *config.Table
	catalog     *schema.Catalog
	store       *storage.Store
	ring        *ring.Ring
	membership  *gossip.Membership
	injection   *injection.Registry
	history     *history.History
	ownsHistory bool
	gc          *gc.Evaluator
	hints       *hints.Manager
	batchlog    *hints.Batchlog
	flush       *hints.FlushHandler
	replica     *repair.Replica
	coordinator *repair.Coordinator
	transport   Transport

	replicationFactor int
	rpcTimeout        time.Duration
	hintInterval      time.Duration

	mu         sync.Mutex
	running    bool
	watcher    *config.Watcher
	cancel     context.CancelFunc
	grpcServer *grpc.Server
}

// New assembles a node from its configuration. It does not start any
// background work.
func New(opts Options) (*Node, error) {
	if opts.Transport == nil {
		return nil, ewrap.New("node transport is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Defaults()
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("node", cfg.Node.ID)

	items := config.NewDefaultStore()
	if err := cfg.ApplyTo(items); err != nil {
		return nil, ewrap.Wrap(err, "apply config file items")
	}
	if err := items.Apply(opts.Items, config.SourceCommandLine); err != nil {
		return nil, ewrap.Wrap(err, "apply command line items")
	}

	n := &Node{
		id:                cfg.Node.ID,
		listenAddr:        cfg.Node.ListenAddr,
		fileCfg:           cfg,
		configPath:        opts.ConfigPath,
		clock:             opts.Clock,
		ts:                clock.NewTimestamper(opts.Clock),
		logger:            logger,
		items:             items,
		configTable:       config.NewTable(items),
		catalog:           opts.Catalog,
		store:             opts.Store,
		injection:         injection.NewRegistry(logger),
		history:           opts.History,
		transport:         opts.Transport,
		replicationFactor: cfg.Cluster.ReplicationFactor,
		rpcTimeout:        config.Duration(cfg.Repair.RPCTimeout, repair.DefaultRPCTimeout),
		hintInterval:      config.Duration(cfg.Hints.ReplayInterval, 10*time.Second),
	}
	items.Observe(func(name string, v config.Value) {
		metrics.ConfigUpdates.WithLabelValues(n.id, name, v.Source.String()).Inc()
	})

	if n.catalog == nil {
		n.catalog = schema.NewCatalog()
	}
	if n.store == nil {
		n.store = storage.NewStore(logger)
	}
	if err := n.applySchema(cfg.Schema); err != nil {
		return nil, err
	}
	for _, ks := range n.catalog.Keyspaces() {
		for _, t := range n.catalog.Tables(ks.Name) {
			n.store.CreateTable(t.Keyspace, t.Name)
		}
	}

	if n.history == nil {
		dir := ""
		if cfg.Node.DataDir != "" {
			dir = filepath.Join(cfg.Node.DataDir, "repair_history")
		}
		h, err := history.Open(dir, logger)
		if err != nil {
			return nil, err
		}
		n.history = h
		n.ownsHistory = true
	}

	self := ring.Node{ID: n.id, Addr: n.listenAddr}
	n.ring = ring.NewRing(cfg.Node.VNodes)
	n.ring.SetNodes(cfg.BuildRingNodes())
	n.membership = gossip.NewMembership(self, gossip.Options{
		ProbeInterval:  config.Duration(cfg.Gossip.ProbeInterval, time.Second),
		SuspectTimeout: config.Duration(cfg.Gossip.SuspectAfter, 3*time.Second),
		DeadTimeout:    config.Duration(cfg.Gossip.DeadAfter, 10*time.Second),
		Clock:          opts.Clock,
		Logger:         logger,
	})
	var seeds []ring.Node
	for _, p := range cfg.Node.Peers {
		if p.ID != n.id {
			seeds = append(seeds, ring.Node{ID: p.ID, Addr: p.Addr})
		}
	}
	n.membership.AddSeedMembers(seeds)
	n.membership.SetOnChange(func(id string, status gossip.MemberStatus) {
		n.logger.Info("Member status changed", "member", id, "status", status.String())
	})

	override := items.MustBool(config.ItemTombstoneGCForStreaming)
	n.gc = gc.NewEvaluator(n.catalog, opts.Clock, n.history, override, logger)
	n.hints = hints.NewManager(n, items.MustBool(config.ItemHintedHandoffEnabled), items.MustInt(config.ItemMaxHintWindowMs), opts.Clock, logger)
	n.batchlog = hints.NewBatchlog(n.applyBatch, opts.Clock, logger)
	n.flush = hints.NewFlushHandler(n.hints, n.batchlog, n.injection, n.membership.IsAlive, logger)
	n.replica = repair.NewReplica(n.id, n.store, n.gc, n.history, n.flush, logger)
	n.coordinator = repair.NewCoordinator(repair.Options{
		NodeID:      n.id,
		Transport:   n.transport,
		Ring:        n.ring,
		Catalog:     n.catalog,
		Liveness:    n.membership,
		Decider:     repair.NewDecider(items.MustBool(config.ItemCompactForStreaming), override, n.injection, logger),
		Purge:       n.gc,
		Injection:   n.injection,
		Parallelism: items.MustInt(config.ItemRepairRangesParallelism),
		MerkleDepth: cfg.Repair.MerkleDepth,
		SyncTimeout: config.Duration(cfg.Repair.SyncTimeout, 10*time.Second),
		RPCTimeout:  n.rpcTimeout,
		Clock:       opts.Clock,
		Logger:      logger,
	})
	return n, nil
}

func (n *Node) applySchema(keyspaces []config.KeyspaceConfig) error {
	for _, ks := range keyspaces {
		rf := ks.ReplicationFactor
		if rf <= 0 {
			rf = n.replicationFactor
		}
		if _, err := n.catalog.Keyspace(ks.Name); err != nil {
			if err := n.catalog.CreateKeyspace(ks.Name, rf); err != nil {
				return err
			}
		}
		for _, t := range ks.Tables {
			if _, err := n.catalog.Table(ks.Name, t.Name); err == nil {
				continue
			}
			if _, err := n.catalog.CreateTable(ks.Name, t.Name, t.Options); err != nil {
				return err
			}
		}
	}
	return nil
}

// Start starts the batchlog manager, hint replay, membership probing and
// the config file watcher.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.batchlog.Start()
	n.hints.Start(n.hintInterval, n.membership.IsAlive)
	n.membership.Start(prober{n: n})

	if n.configPath != "" {
		w, err := config.NewWatcher(n.configPath, n.items, n.logger, func(changed []string) {
			n.logger.Info("Reloaded live config items", "items", changed)
		})
		if err == nil {
			err = w.Start(ctx)
			if err != nil {
				_ = w.Stop()
			}
		}
		if err != nil {
			n.logger.Warn("Config watcher disabled", "path", n.configPath, "error", err)
		} else {
			n.watcher = w
		}
	}

	n.running = true
	n.logger.Info("Node started", "listen_addr", n.listenAddr, "vnodes", n.ring.GetVNodes())
	return nil
}

// Serve serves the internal gRPC service on lis until Stop.
func (n *Node) Serve(lis net.Listener) error {
	n.mu.Lock()
	n.grpcServer = grpc.NewServer()
	rpc.Register(n.grpcServer, NewInternalServer(n))
	// Enable gRPC reflection for grpcurl
	reflection.Register(n.grpcServer)
	srv := n.grpcServer
	n.mu.Unlock()

	n.logger.Info("Serving internal RPC", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil {
		return ewrap.Wrap(err, "failed to serve")
	}
	return nil
}

// Stop cancels running repair sessions, stops background work and flushes
// every memtable.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return
	}

	n.coordinator.Shutdown()
	n.membership.Stop()
	n.hints.Stop()
	n.batchlog.Stop()
	if n.watcher != nil {
		_ = n.watcher.Stop()
		n.watcher = nil
	}
	n.cancel()
	if n.grpcServer != nil {
		n.grpcServer.GracefulStop()
		n.grpcServer = nil
	}

	flushed := n.store.FlushAll()
	if n.ownsHistory {
		if err := n.history.Close(); err != nil {
			n.logger.Warn("Failed to close repair history", "error", err)
		}
	}
	n.running = false
	n.logger.Info("Node stopped", "flushed_fragments", flushed)
}

// ID returns the node id.
func (n *Node) ID() string { return n.id }

// Addr returns the internal RPC address.
func (n *Node) Addr() string { return n.listenAddr }

// Items returns the runtime config store.
func (n *Node) Items() *config.Store { return n.items }

// ConfigTable returns the system.config view of the node.
func (n *Node) ConfigTable() *config.Table { return n.configTable }

// Injection returns the error injection registry.
func (n *Node) Injection() *injection.Registry { return n.injection }

// Membership returns the membership view of the node.
func (n *Node) Membership() *gossip.Membership { return n.membership }

// Storage returns the local store.
func (n *Node) Storage() *storage.Store { return n.store }

// History returns the repair history.
func (n *Node) History() *history.History { return n.history }

// Catalog returns the schema catalog.
func (n *Node) Catalog() *schema.Catalog { return n.catalog }

// Ring returns the token ring.
func (n *Node) Ring() *ring.Ring { return n.ring }

// Batchlog returns the batchlog manager.
func (n *Node) Batchlog() *hints.Batchlog { return n.batchlog }

// Hints returns the hinted handoff manager.
func (n *Node) Hints() *hints.Manager { return n.hints }

// prober adapts the node transport to the membership protocol.
type prober struct {
	n *Node
}

func (p prober) Ping(ctx context.Context, target ring.Node) error {
	return p.n.transport.Ping(ctx, target.ID, p.n.id)
}

func (p prober) Gossip(ctx context.Context, target ring.Node, members []gossip.Member) ([]gossip.Member, error) {
	return p.n.transport.Gossip(ctx, target.ID, p.n.id, members)
}
