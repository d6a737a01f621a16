package repair

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hyp3rd/ewrap"

	"kvrepair/internal/clock"
	"kvrepair/internal/config"
	"kvrepair/internal/gc"
	"kvrepair/internal/history"
	"kvrepair/internal/injection"
	"kvrepair/internal/logging"
	"kvrepair/internal/ring"
	"kvrepair/internal/schema"
	"kvrepair/internal/sentinel"
	"kvrepair/internal/storage"
)

type flusherFunc func(ctx context.Context, from string) error

func (f flusherFunc) Handle(ctx context.Context, from string) error { return f(ctx, from) }

type testNode struct {
	id       string
	store    *storage.Store
	cfg      *config.Store
	hist     *history.History
	eval     *gc.Evaluator
	replica  *Replica
	down     bool
	flushErr error
	flushes  int
}

// testTransport routes calls to in-memory replicas.
type testTransport struct {
	mu        sync.Mutex
	nodes     map[string]*testNode
	streamErr error
}

func (t *testTransport) node(id string) (*testNode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil, ewrap.Wrapf(sentinel.ErrNodeNotFound, "%s", id)
	}
	if n.down {
		return nil, ewrap.Wrapf(sentinel.ErrNodeDown, "%s", id)
	}
	return n, nil
}

func (t *testTransport) FlushHintsBatchlog(ctx context.Context, target, from string) error {
	n, err := t.node(target)
	if err != nil {
		return err
	}
	return n.replica.FlushHintsBatchlog(ctx, from)
}

func (t *testTransport) RangeDigest(ctx context.Context, target string, req DigestRequest) ([]uint64, error) {
	n, err := t.node(target)
	if err != nil {
		return nil, err
	}
	return n.replica.RangeDigest(ctx, req)
}

func (t *testTransport) PartitionHashes(ctx context.Context, target string, req HashRequest) (map[string]uint64, error) {
	n, err := t.node(target)
	if err != nil {
		return nil, err
	}
	return n.replica.PartitionHashes(ctx, req)
}

func (t *testTransport) FetchPartitions(ctx context.Context, target string, req FetchRequest) (map[string][]storage.Fragment, error) {
	n, err := t.node(target)
	if err != nil {
		return nil, err
	}
	return n.replica.FetchPartitions(ctx, req)
}

func (t *testTransport) StreamFragments(ctx context.Context, target string, req StreamRequest) error {
	n, err := t.node(target)
	if err != nil {
		return err
	}
	t.mu.Lock()
	streamErr := t.streamErr
	t.mu.Unlock()
	if streamErr != nil {
		return streamErr
	}
	return n.replica.StreamFragments(ctx, req)
}

func (t *testTransport) RecordHistory(ctx context.Context, target string, entries []history.Entry) error {
	n, err := t.node(target)
	if err != nil {
		return err
	}
	return n.replica.RecordHistory(ctx, entries)
}

func (t *testTransport) IsAlive(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	return ok && !n.down
}

type testCluster struct {
	clock     *clock.Manual
	catalog   *schema.Catalog
	ring      *ring.Ring
	transport *testTransport
	nodes     []*testNode
	inj       *injection.Registry
	logs      *logging.Capture
	coord     *Coordinator
}

// newTestCluster builds len(ids) replicas of ks.tbl with RF = len(ids).
// The coordinator runs on the first node.
func newTestCluster(t *testing.T, ids []string, tableOpts map[string]string) *testCluster {
	t.Helper()

	c := &testCluster{
		clock:     clock.NewManual(time.Time{}),
		catalog:   schema.NewCatalog(),
		ring:      ring.NewRing(8),
		transport: &testTransport{nodes: make(map[string]*testNode)},
		inj:       injection.NewRegistry(logging.Discard()),
		logs:      logging.NewCapture(nil),
	}
	if err := c.catalog.CreateKeyspace("ks", len(ids)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.catalog.CreateTable("ks", "tbl", tableOpts); err != nil {
		t.Fatal(err)
	}

	var members []ring.Node
	for _, id := range ids {
		members = append(members, ring.Node{ID: id, Addr: id})

		hist, err := history.Open("", logging.Discard())
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = hist.Close() })

		n := &testNode{
			id:    id,
			store: storage.NewStore(logging.Discard()),
			cfg:   config.NewDefaultStore(),
			hist:  hist,
		}
		n.store.CreateTable("ks", "tbl")
		n.eval = gc.NewEvaluator(c.catalog, c.clock, hist, n.cfg.MustBool(config.ItemTombstoneGCForStreaming), logging.Discard())
		logger := logging.Discard()
		if len(c.nodes) == 0 {
			logger = c.logs.Logger()
		}
		flusher := flusherFunc(func(context.Context, string) error {
			n.flushes++
			return n.flushErr
		})
		n.replica = NewReplica(id, n.store, n.eval, hist, flusher, logger)
		c.nodes = append(c.nodes, n)
		c.transport.nodes[id] = n
	}
	c.ring.SetNodes(members)

	first := c.nodes[0]
	c.coord = NewCoordinator(Options{
		NodeID:      first.id,
		Transport:   c.transport,
		Ring:        c.ring,
		Catalog:     c.catalog,
		Liveness:    c.transport,
		Decider:     NewDecider(first.cfg.MustBool(config.ItemCompactForStreaming), first.cfg.MustBool(config.ItemTombstoneGCForStreaming), c.inj, logging.Discard()),
		Purge:       first.eval,
		Injection:   c.inj,
		Parallelism: first.cfg.MustInt(config.ItemRepairRangesParallelism),
		MerkleDepth: 4,
		SyncTimeout: time.Second,
		RPCTimeout:  time.Second,
		Clock:       c.clock,
		Logger:      c.logs.Logger(),
	})
	t.Cleanup(c.coord.Shutdown)
	return c
}

func (c *testCluster) setAll(t *testing.T, item, value string) {
	t.Helper()
	for _, n := range c.nodes {
		if err := n.cfg.Set(item, value, config.SourceTable); err != nil {
			t.Fatal(err)
		}
	}
}

func (c *testCluster) raw(t *testing.T, i int, pk string) []storage.Fragment {
	t.Helper()
	frags, err := c.nodes[i].store.RawPartition("ks", "tbl", pk)
	if err != nil {
		t.Fatal(err)
	}
	return frags
}

func row(pk, ck string, ts int64) storage.Fragment {
	return storage.Fragment{PartitionKey: pk, ClusteringKey: ck, Kind: storage.KindRow, Timestamp: ts, Value: []byte("v")}
}

func rowTombstone(pk, ck string, ts int64, at time.Time) storage.Fragment {
	return storage.Fragment{PartitionKey: pk, ClusteringKey: ck, Kind: storage.KindRow, Timestamp: ts, Deleted: true, DeletionTime: at}
}

func partitionTombstone(pk string, ts int64, at time.Time) storage.Fragment {
	return storage.Fragment{PartitionKey: pk, Kind: storage.KindPartitionTombstone, Timestamp: ts, DeletionTime: at}
}
