package node

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"kvrepair/internal/clock"
	"kvrepair/internal/config"
	"kvrepair/internal/fanout"
	"kvrepair/internal/logging"
	"kvrepair/internal/repair"
	"kvrepair/internal/sentinel"
	"kvrepair/internal/storage"
)

func testConfig(id string, ids []string, addr func(string) string) *config.Config {
	cfg := config.Defaults()
	cfg.Node.ID = id
	cfg.Node.ListenAddr = addr(id)
	cfg.Node.VNodes = 8
	cfg.Cluster.ReplicationFactor = len(ids)
	cfg.Repair.MerkleDepth = 4
	cfg.Repair.RPCTimeout = "5s"
	cfg.Repair.SyncTimeout = "5s"
	cfg.Hints.ReplayInterval = "1h"
	cfg.Gossip = config.GossipConfig{ProbeInterval: "1h", SuspectAfter: "24h", DeadAfter: "48h"}
	for _, p := range ids {
		cfg.Node.Peers = append(cfg.Node.Peers, config.Peer{ID: p, Addr: addr(p)})
	}
	cfg.Schema = []config.KeyspaceConfig{{
		Name:   "ks",
		Tables: []config.TableConfig{{Name: "tbl"}, {Name: "gc", Options: map[string]string{"tombstone_gc.mode": "immediate"}}},
	}}
	return cfg
}

func identity(id string) string { return id }

type testNodes struct {
	clock     *clock.Manual
	transport *InProcessTransport
	nodes     []*Node
}

func newTestNodes(t *testing.T, ids ...string) *testNodes {
	t.Helper()
	tn := &testNodes{
		clock:     clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		transport: NewInProcessTransport(),
	}
	for _, id := range ids {
		n, err := New(Options{
			Config:    testConfig(id, ids, identity),
			Transport: tn.transport,
			Clock:     tn.clock,
			Logger:    logging.Discard(),
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := n.Start(); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(n.Stop)
		tn.transport.Register(n)
		tn.nodes = append(tn.nodes, n)
	}
	return tn
}

// down makes a node unreachable and tells every other node it is dead.
func (tn *testNodes) down(i int) {
	id := tn.nodes[i].ID()
	tn.transport.Unregister(id)
	for j, n := range tn.nodes {
		if j != i {
			n.Membership().MarkDead(id)
		}
	}
}

func (tn *testNodes) up(i int) {
	n := tn.nodes[i]
	tn.transport.Register(n)
	for j, other := range tn.nodes {
		if j != i {
			other.Membership().MarkAlive(n.ID())
		}
	}
}

func partition(t *testing.T, n *Node, table, pk string) []storage.Fragment {
	t.Helper()
	frags, err := n.Storage().Partition("ks", table, pk)
	if err != nil {
		t.Fatal(err)
	}
	return frags
}

func TestNode_MutateWritesEveryReplica(t *testing.T) {
	tn := newTestNodes(t, "n1", "n2")
	ctx := context.Background()

	if err := tn.nodes[0].Insert(ctx, "ks", "tbl", "p", "c", "v", fanout.AllReplicas); err != nil {
		t.Fatal(err)
	}
	for _, n := range tn.nodes {
		got := partition(t, n, "tbl", "p")
		if len(got) != 1 || string(got[0].Value) != "v" || got[0].Timestamp == 0 {
			t.Fatalf("%s: unexpected partition %+v", n.ID(), got)
		}
	}
}

func TestNode_DownReplicaGetsHint(t *testing.T) {
	tn := newTestNodes(t, "n1", "n2")
	ctx := context.Background()
	tn.down(1)

	if err := tn.nodes[0].DeleteRow(ctx, "ks", "tbl", "p", "c", fanout.One); err != nil {
		t.Fatalf("CL ONE write should succeed with one replica down: %v", err)
	}
	if got := tn.nodes[0].Hints().Pending("n2"); got != 1 {
		t.Fatalf("expected 1 hint for n2, got %d", got)
	}
	err := tn.nodes[0].Insert(ctx, "ks", "tbl", "p", "d", "v", fanout.AllReplicas)
	if !errors.Is(err, sentinel.ErrNotEnoughReplicas) {
		t.Fatalf("expected ErrNotEnoughReplicas, got %v", err)
	}

	tn.up(1)
	if _, err := tn.nodes[0].Hints().Replay(ctx, "n2"); err != nil {
		t.Fatal(err)
	}
	got := partition(t, tn.nodes[1], "tbl", "p")
	if len(got) != 2 {
		t.Fatalf("expected both hinted writes on n2, got %+v", got)
	}
	for _, f := range got {
		if f.ClusteringKey == "c" && (!f.Deleted || f.DeletionTime.IsZero()) {
			t.Fatalf("row tombstone lost its deletion time: %+v", f)
		}
	}
}

func TestNode_HintsDisabledLive(t *testing.T) {
	tn := newTestNodes(t, "n1", "n2")
	ctx := context.Background()
	if _, err := tn.nodes[0].UpdateConfig(config.ItemHintedHandoffEnabled, "false"); err != nil {
		t.Fatal(err)
	}
	tn.down(1)

	if err := tn.nodes[0].DeletePartition(ctx, "ks", "tbl", "p", fanout.One); err != nil {
		t.Fatal(err)
	}
	if got := tn.nodes[0].Hints().Pending("n2"); got != 0 {
		t.Fatalf("hints disabled, expected none, got %d", got)
	}
}

func TestNode_MutateValidation(t *testing.T) {
	tn := newTestNodes(t, "n1")
	ctx := context.Background()
	n := tn.nodes[0]

	if _, err := n.Mutate(ctx, "ks", "nope", fanout.One, storage.Fragment{PartitionKey: "p"}); !errors.Is(err, sentinel.ErrUnknownTable) {
		t.Errorf("expected ErrUnknownTable, got %v", err)
	}
	if _, err := n.Mutate(ctx, "ks", "tbl", fanout.One); !errors.Is(err, sentinel.ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue for empty mutation, got %v", err)
	}
	if _, err := n.Mutate(ctx, "ks", "tbl", fanout.One, storage.Fragment{PartitionKey: ""}); !errors.Is(err, sentinel.ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue for empty key, got %v", err)
	}
	_, err := n.Mutate(ctx, "ks", "tbl", fanout.One,
		storage.Fragment{PartitionKey: "a", ClusteringKey: "0"},
		storage.Fragment{PartitionKey: "b", ClusteringKey: "0"})
	if !errors.Is(err, sentinel.ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue for a spanning mutation, got %v", err)
	}
	if err := n.DeleteRange(ctx, "ks", "tbl", "p", "9", "1", fanout.One); !errors.Is(err, sentinel.ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue for an inverted range, got %v", err)
	}
}

func TestNode_BatchlogReplaysFailedBatch(t *testing.T) {
	tn := newTestNodes(t, "n1", "n2")
	ctx := context.Background()
	tn.down(1)
	// keep the replica out of the hint path so only the batchlog can repair it
	if _, err := tn.nodes[0].UpdateConfig(config.ItemHintedHandoffEnabled, "false"); err != nil {
		t.Fatal(err)
	}

	err := tn.nodes[0].MutateBatch(ctx, "ks", "tbl", fanout.AllReplicas,
		storage.Fragment{PartitionKey: "a", ClusteringKey: "0", Value: []byte("x")},
		storage.Fragment{PartitionKey: "b", ClusteringKey: "0", Value: []byte("y")})
	if !errors.Is(err, sentinel.ErrNotEnoughReplicas) {
		t.Fatalf("expected ErrNotEnoughReplicas, got %v", err)
	}
	if got := tn.nodes[0].Batchlog().Pending(); got != 1 {
		t.Fatalf("expected the batch to stay logged, got %d", got)
	}

	tn.up(1)
	if _, err := tn.nodes[0].Batchlog().Replay(ctx); err != nil {
		t.Fatal(err)
	}
	if got := tn.nodes[0].Batchlog().Pending(); got != 0 {
		t.Fatalf("expected an empty batchlog, got %d", got)
	}
	for _, pk := range []string{"a", "b"} {
		if got := partition(t, tn.nodes[1], "tbl", pk); len(got) != 1 {
			t.Fatalf("partition %s not replayed to n2: %+v", pk, got)
		}
	}
}

func TestNode_RepairStreamsMissedWrite(t *testing.T) {
	tn := newTestNodes(t, "n1", "n2")
	ctx := context.Background()
	tn.down(1)
	if _, err := tn.nodes[0].UpdateConfig(config.ItemHintedHandoffEnabled, "0"); err != nil {
		t.Fatal(err)
	}
	if err := tn.nodes[0].DeleteRow(ctx, "ks", "tbl", "p", "c", fanout.One); err != nil {
		t.Fatal(err)
	}
	tn.up(1)

	st, err := tn.nodes[1].Repair(ctx, "ks", "tbl")
	if err != nil {
		t.Fatalf("repair failed: %v", err)
	}
	if st.State != repair.StateCompleted.String() || st.StreamedFragments != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
	if got := partition(t, tn.nodes[1], "tbl", "p"); len(got) != 1 || !got[0].Deleted {
		t.Fatalf("expected the tombstone on n2, got %+v", got)
	}
	if len(tn.nodes[1].RepairSessions()) != 1 {
		t.Fatal("expected one session on the initiator")
	}
}

func TestNode_RepairFailsWithParticipantDown(t *testing.T) {
	tn := newTestNodes(t, "n1", "n2")
	tn.down(1)

	_, err := tn.nodes[0].Repair(context.Background(), "ks", "tbl")
	if !errors.Is(err, sentinel.ErrDiffIncomplete) {
		t.Fatalf("expected ErrDiffIncomplete, got %v", err)
	}
}

func TestNode_KeyspaceCompactionFollowsTablePolicy(t *testing.T) {
	tn := newTestNodes(t, "n1")
	ctx := context.Background()
	n := tn.nodes[0]

	for _, table := range []string{"tbl", "gc"} {
		if err := n.DeletePartition(ctx, "ks", table, "p", fanout.One); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := n.KeyspaceFlush("ks"); err != nil {
		t.Fatal(err)
	}
	tn.clock.Advance(time.Second)

	stats, err := n.KeyspaceCompaction("ks")
	if err != nil {
		t.Fatal(err)
	}
	if stats["gc"].PurgedTombs != 1 || stats["tbl"].PurgedTombs != 0 {
		t.Fatalf("unexpected compaction stats %+v", stats)
	}
	if mf, _ := n.MutationFragments("ks", "gc", "p"); len(mf) != 0 {
		t.Fatalf("immediate table should be empty, got %+v", mf)
	}
	if mf, _ := n.MutationFragments("ks", "tbl", "p"); len(mf) == 0 {
		t.Fatal("timeout table must keep its tombstone")
	}
	if _, err := n.KeyspaceCompaction("other"); !errors.Is(err, sentinel.ErrUnknownKeyspace) {
		t.Fatalf("expected ErrUnknownKeyspace, got %v", err)
	}
}

func TestNode_AlterTableTakesEffect(t *testing.T) {
	tn := newTestNodes(t, "n1")
	ctx := context.Background()
	n := tn.nodes[0]

	if err := n.DeletePartition(ctx, "ks", "tbl", "p", fanout.One); err != nil {
		t.Fatal(err)
	}
	if _, err := n.AlterTable("ks", "tbl", map[string]string{"tombstone_gc.mode": "immediate"}); err != nil {
		t.Fatal(err)
	}
	tn.clock.Advance(time.Second)
	if _, err := n.KeyspaceCompaction("ks"); err != nil {
		t.Fatal(err)
	}
	if got := partition(t, n, "tbl", "p"); len(got) != 0 {
		t.Fatalf("expected the tombstone purged after ALTER, got %+v", got)
	}
}

func TestNode_UpdateConfig(t *testing.T) {
	tn := newTestNodes(t, "n1")
	n := tn.nodes[0]

	row, err := n.UpdateConfig(config.ItemTombstoneGCForStreaming, "1")
	if err != nil {
		t.Fatal(err)
	}
	if row.Value != "true" || row.Source != config.SourceTable.String() {
		t.Fatalf("unexpected row %+v", row)
	}
	if _, err := n.UpdateConfig(config.ItemNumTokens, "32"); !errors.Is(err, sentinel.ErrNotLiveUpdatable) {
		t.Fatalf("expected ErrNotLiveUpdatable, got %v", err)
	}
	if _, err := n.Config("nope"); !errors.Is(err, sentinel.ErrUnknownItem) {
		t.Fatalf("expected ErrUnknownItem, got %v", err)
	}
}

func TestNode_CommandLineItems(t *testing.T) {
	ids := []string{"n1"}
	n, err := New(Options{
		Config:    testConfig("n1", ids, identity),
		Items:     map[string]string{config.ItemCompactForStreaming: "0"},
		Transport: NewInProcessTransport(),
		Logger:    logging.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}
	row, err := n.Config(config.ItemCompactForStreaming)
	if err != nil {
		t.Fatal(err)
	}
	if row.Value != "false" || row.Source != config.SourceCommandLine.String() {
		t.Fatalf("unexpected row %+v", row)
	}
}

func TestNode_RepairOverGRPC(t *testing.T) {
	ids := []string{"n1", "n2"}
	addr := func(id string) string { return "passthrough:///" + id }
	listeners := map[string]*bufconn.Listener{}
	for _, id := range ids {
		listeners[id] = bufconn.Listen(1 << 20)
	}
	dialer := grpc.WithContextDialer(func(ctx context.Context, target string) (net.Conn, error) {
		lis, ok := listeners[target]
		if !ok {
			return nil, errors.New("unknown target " + target)
		}
		return lis.DialContext(ctx)
	})

	var nodes []*Node
	for _, id := range ids {
		cfg := testConfig(id, ids, addr)
		tr := NewGRPCTransport(cfg.Node.Peers, dialer)
		t.Cleanup(tr.Close)
		n, err := New(Options{Config: cfg, Transport: tr, Logger: logging.Discard()})
		if err != nil {
			t.Fatal(err)
		}
		if err := n.Start(); err != nil {
			t.Fatal(err)
		}
		lis := listeners[id]
		go func() { _ = n.Serve(lis) }()
		t.Cleanup(n.Stop)
		nodes = append(nodes, n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := nodes[0].ApplyLocal("ks", "tbl", []storage.Fragment{{
		PartitionKey: "p", ClusteringKey: "c", Kind: storage.KindRow, Timestamp: 10, Value: []byte("v"),
	}}); err != nil {
		t.Fatal(err)
	}
	st, err := nodes[0].Repair(ctx, "ks", "tbl")
	if err != nil {
		t.Fatalf("repair over gRPC failed: %v", err)
	}
	if st.StreamedFragments != 1 {
		t.Fatalf("expected one streamed fragment, got %+v", st)
	}
	if got := partition(t, nodes[1], "tbl", "p"); len(got) != 1 || string(got[0].Value) != "v" {
		t.Fatalf("expected the row on n2, got %+v", got)
	}
	if err := nodes[1].Insert(ctx, "ks", "tbl", "q", "c", "w", fanout.AllReplicas); err != nil {
		t.Fatalf("write over gRPC failed: %v", err)
	}
	if got := partition(t, nodes[0], "tbl", "q"); len(got) != 1 {
		t.Fatalf("expected the write on n1, got %+v", got)
	}
}

func TestNode_ConfigFileReloadedAfterStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	writeConfig := func(body string) {
		t.Helper()
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Rename(tmp, path); err != nil {
			t.Fatal(err)
		}
	}
	writeConfig("items:\n  hinted_handoff_enabled: \"1\"\n")

	n, err := New(Options{
		Config:     testConfig("n1", []string{"n1"}, identity),
		ConfigPath: path,
		Transport:  NewInProcessTransport(),
		Logger:     logging.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}

	started := make(chan error, 1)
	go func() { started <- n.Start() }()
	select {
	case err := <-started:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return with a config file set")
	}
	t.Cleanup(n.Stop)

	enabled := n.Items().MustBool(config.ItemHintedHandoffEnabled)
	if !enabled.Get() {
		t.Fatal("hinted handoff should start enabled")
	}

	writeConfig("items:\n  hinted_handoff_enabled: \"0\"\n")
	deadline := time.Now().Add(5 * time.Second)
	for enabled.Get() {
		if time.Now().After(deadline) {
			t.Fatal("config file change was not applied")
		}
		time.Sleep(10 * time.Millisecond)
	}
	row, err := n.Config(config.ItemHintedHandoffEnabled)
	if err != nil {
		t.Fatal(err)
	}
	if row.Value != "false" || row.Source != "config" {
		t.Fatalf("unexpected row %+v", row)
	}
}
