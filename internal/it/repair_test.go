package it

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvrepair/internal/config"
	"kvrepair/internal/fanout"
	"kvrepair/internal/injection"
	"kvrepair/internal/repair"
	"kvrepair/internal/sentinel"
	"kvrepair/internal/storage"
)

func startCluster(t *testing.T, count int, opts ServerOptions) *Cluster {
	t.Helper()
	c, err := StartCluster(count, opts)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func repairOK(t *testing.T, s *Server) repair.Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := s.Node().Repair(ctx, "ks", "tbl")
	require.NoError(t, err)
	require.Equal(t, repair.StateCompleted.String(), st.State)
	return st
}

func fragmentCount(t *testing.T, s *Server, pk string) int {
	t.Helper()
	frags, err := s.MutationFragments("ks", "tbl", pk)
	require.NoError(t, err)
	return len(frags)
}

func TestRepair_CompactingDataLiveUpdate(t *testing.T) {
	c := startCluster(t, 2, ServerOptions{
		Items: map[string]string{config.ItemCompactForStreaming: "0"},
	})
	require.NoError(t, c.CreateKeyspace("ks", 2))
	require.NoError(t, c.CreateTable("ks", "tbl", nil))

	n1, n2 := c.Server("n1"), c.Server("n2")
	for _, s := range []*Server{n1, n2} {
		row, err := s.Node().Config(config.ItemCompactForStreaming)
		require.NoError(t, err)
		assert.Equal(t, "false", row.Value)
	}

	n1.Node().Injection().Enable(injection.MaybeCompactForStreaming, false, nil)
	assert.Empty(t, n1.Node().Injection().Get(injection.MaybeCompactForStreaming).Parameters,
		"no parameters before the first repair")

	repairOK(t, n1)
	params := n1.Node().Injection().Get(injection.MaybeCompactForStreaming).Parameters
	assert.Equal(t, "false", params["compaction_enabled"])

	require.NoError(t, c.UpdateConfig(config.ItemCompactForStreaming, "1"))

	repairOK(t, n1)
	params = n1.Node().Injection().Get(injection.MaybeCompactForStreaming).Parameters
	assert.Equal(t, "true", params["compaction_enabled"])
}

func TestRepair_TombstoneGCForStreamingAndRepair(t *testing.T) {
	c := startCluster(t, 2, ServerOptions{
		Items: map[string]string{
			config.ItemCompactForStreaming:     "1",
			config.ItemTombstoneGCForStreaming: "1",
			config.ItemHintedHandoffEnabled:    "0",
		},
	})
	require.NoError(t, c.CreateKeyspace("ks", 2))
	require.NoError(t, c.CreateTable("ks", "tbl", map[string]string{"compaction.class": "NullCompactionStrategy"}))

	n1, n2 := c.Server("n1"), c.Server("n2")
	ctx := context.Background()

	require.NoError(t, c.ServerStop(n2.ID))
	require.NoError(t, n1.Node().DeleteRow(ctx, "ks", "tbl", "0", "0", fanout.One))
	require.NoError(t, c.ServerStart(n2.ID))

	// flush memtables so the tombstone lives in a run
	require.NoError(t, c.ServerRestart(n1.ID))

	checkNodesHaveData := func(n1HasData, n2HasData bool) {
		t.Helper()
		for _, tc := range []struct {
			s       *Server
			hasData bool
		}{{n1, n1HasData}, {n2, n2HasData}} {
			got := fragmentCount(t, tc.s, "0")
			if tc.hasData {
				assert.Equal(t, 3, got, "%s should hold the tombstone", tc.s.ID)
			} else {
				assert.Less(t, got, 3, "%s should not hold the tombstone", tc.s.ID)
			}
		}
	}

	checkNodesHaveData(true, false)

	n1.Node().Injection().Enable(injection.MaybeCompactForStreaming, false, nil)

	// make the tombstone purgeable
	require.NoError(t, c.AlterTable("ks", "tbl", map[string]string{"tombstone_gc.mode": "immediate"}))
	c.Clock().Advance(time.Second)

	// GC on: the purgeable tombstone is no difference and is not replicated
	st := repairOK(t, n1)
	assert.Zero(t, st.DifferingPartitions)
	assert.Equal(t, map[string]string{"compaction_enabled": "true", "compaction_can_gc": "true"},
		n1.Node().Injection().Get(injection.MaybeCompactForStreaming).Parameters)
	checkNodesHaveData(true, false)

	require.NoError(t, c.UpdateConfig(config.ItemTombstoneGCForStreaming, "0"))

	// GC off: the tombstone is found and replicated
	st = repairOK(t, n1)
	assert.Equal(t, 1, st.DifferingPartitions)
	assert.Equal(t, map[string]string{"compaction_enabled": "true", "compaction_can_gc": "false"},
		n1.Node().Injection().Get(injection.MaybeCompactForStreaming).Parameters)
	checkNodesHaveData(true, true)
}

func TestRepair_SucceedsWithUninitializedBatchlogManager(t *testing.T) {
	c := startCluster(t, 2, ServerOptions{})
	require.NoError(t, c.CreateKeyspace("ks", 2))
	require.NoError(t, c.CreateTable("ks", "tbl", map[string]string{"tombstone_gc.mode": "repair"}))

	servers := c.Running()
	require.Len(t, servers, 2)

	servers[1].Node().Injection().Enable(injection.FlushHintsBatchlogUninitialized, true, nil)
	marks := []int{servers[0].Logs().Mark(), servers[1].Logs().Mark()}

	st := repairOK(t, servers[0])
	assert.Equal(t, []string{servers[1].ID}, st.SyncFailures)

	matches := servers[1].Logs().Grep("Failed to process repair_flush_hints_batchlog_request", marks[1])
	assert.Len(t, matches, 1)
	matches = servers[0].Logs().Grep("failed, continue to run repair", marks[0])
	assert.Len(t, matches, 1)
}

func TestRepair_TombstoneGCRepairMode(t *testing.T) {
	c := startCluster(t, 2, ServerOptions{})
	require.NoError(t, c.CreateKeyspace("ks", 2))
	require.NoError(t, c.CreateTable("ks", "tbl", map[string]string{
		"tombstone_gc.mode":                         "repair",
		"tombstone_gc.propagation_delay_in_seconds": "10",
		"gc_grace_seconds":                          "10",
	}))

	servers := c.Servers()
	n1 := servers[0]
	ctx := context.Background()

	require.NoError(t, n1.Node().Insert(ctx, "ks", "tbl", "1", "2", "", fanout.Quorum))
	require.NoError(t, n1.Node().Insert(ctx, "ks", "tbl", "3", "4", "", fanout.Quorum))
	require.NoError(t, n1.Node().DeletePartition(ctx, "ks", "tbl", "1", fanout.Quorum))

	// partition start carrying the tombstone, partition end
	require.Equal(t, 2, fragmentCount(t, n1, "1"))

	// an unrepaired tombstone survives compaction however old it is
	c.Clock().Advance(time.Minute)
	_, err := n1.Node().KeyspaceCompaction("ks")
	require.NoError(t, err)
	require.Equal(t, 2, fragmentCount(t, n1, "1"))

	require.NoError(t, n1.Node().Insert(ctx, "ks", "tbl", "5", "6", "", fanout.Quorum))
	require.NoError(t, n1.Node().DeletePartition(ctx, "ks", "tbl", "5", fanout.Quorum))
	c.Clock().Advance(11 * time.Second)

	repairOK(t, n1)
	require.NoError(t, c.RollingRestart())
	n1 = c.Server(n1.ID)

	_, err = n1.Node().KeyspaceFlush("ks")
	require.NoError(t, err)
	_, err = n1.Node().KeyspaceCompaction("ks")
	require.NoError(t, err)

	assert.Less(t, fragmentCount(t, n1, "1"), 2, "repaired tombstone should be purged")
	assert.Less(t, fragmentCount(t, n1, "5"), 2, "repaired tombstone should be purged")

	// a tombstone written after the last repair is not confirmed
	c.Clock().Advance(time.Second)
	require.NoError(t, n1.Node().DeletePartition(ctx, "ks", "tbl", "7", fanout.Quorum))
	c.Clock().Advance(time.Minute)
	_, err = n1.Node().KeyspaceCompaction("ks")
	require.NoError(t, err)
	assert.Equal(t, 2, fragmentCount(t, n1, "7"))
}

func TestRepair_IdempotentOnConvergedReplicas(t *testing.T) {
	c := startCluster(t, 3, ServerOptions{
		Items: map[string]string{config.ItemHintedHandoffEnabled: "0"},
	})
	require.NoError(t, c.CreateKeyspace("ks", 3))
	require.NoError(t, c.CreateTable("ks", "tbl", nil))

	n1 := c.Server("n1")
	ctx := context.Background()
	require.NoError(t, c.ServerStop("n3"))
	for _, pk := range []string{"a", "b", "c"} {
		require.NoError(t, n1.Node().Insert(ctx, "ks", "tbl", pk, "0", "v", fanout.Quorum))
	}
	require.NoError(t, c.ServerStart("n3"))

	first := repairOK(t, n1)
	assert.Equal(t, 3, first.DifferingPartitions)
	for _, s := range c.Servers() {
		assert.Equal(t, 3, fragmentCount(t, s, "a"), "%s", s.ID)
	}

	second := repairOK(t, n1)
	assert.Zero(t, second.DifferingPartitions)
	assert.Zero(t, second.StreamedFragments)
}

func TestRepair_FailsWhenParticipantDown(t *testing.T) {
	c := startCluster(t, 2, ServerOptions{})
	require.NoError(t, c.CreateKeyspace("ks", 2))
	require.NoError(t, c.CreateTable("ks", "tbl", nil))
	require.NoError(t, c.ServerStop("n2"))

	st, err := c.Server("n1").Node().Repair(context.Background(), "ks", "tbl")
	require.ErrorIs(t, err, sentinel.ErrDiffIncomplete)
	assert.Equal(t, repair.StateFailed.String(), st.State)
}

func TestRepair_DegradedSyncKeepsRepairModeTombstones(t *testing.T) {
	c := startCluster(t, 2, ServerOptions{})
	require.NoError(t, c.CreateKeyspace("ks", 2))
	require.NoError(t, c.CreateTable("ks", "tbl", map[string]string{
		"tombstone_gc.mode":                         "repair",
		"tombstone_gc.propagation_delay_in_seconds": "10",
	}))

	n1, n2 := c.Server("n1"), c.Server("n2")
	ctx := context.Background()

	// n1 holds a hint for n2 carrying a row older than the delete
	require.NoError(t, c.ServerStop(n2.ID))
	require.NoError(t, n1.Node().Insert(ctx, "ks", "tbl", "p", "c", "old", fanout.One))
	require.NoError(t, c.ServerStart(n2.ID))
	require.NoError(t, n1.Node().DeletePartition(ctx, "ks", "tbl", "p", fanout.AllReplicas))
	require.Equal(t, 1, n1.Node().Hints().Pending(n2.ID))

	n1.Node().Injection().Enable(injection.FlushHintsBatchlogUninitialized, false, nil)
	st := repairOK(t, n1)
	require.Equal(t, []string{n1.ID}, st.SyncFailures)
	for _, s := range c.Servers() {
		assert.Empty(t, s.Node().History().Entries("ks", "tbl"), "%s recorded history for a degraded repair", s.ID)
	}

	c.Clock().Advance(time.Minute)
	for _, s := range c.Servers() {
		_, err := s.Node().KeyspaceCompaction("ks")
		require.NoError(t, err)
	}
	require.NoError(t, n1.Node().Hints().ReplayAll(ctx, nil))
	require.Zero(t, n1.Node().Hints().Pending(n2.ID))

	frags, err := n2.MutationFragments("ks", "tbl", "p")
	require.NoError(t, err)
	require.Len(t, frags, 2, "the tombstone must survive and shadow the replayed row")
	for _, f := range frags {
		assert.NotEqual(t, storage.FragmentClusteringRow, f.Kind, "deleted row came back")
	}
}
