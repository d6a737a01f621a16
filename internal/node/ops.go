package node

import (
	"context"

	"kvrepair/internal/config"
	"kvrepair/internal/metrics"
	"kvrepair/internal/repair"
	"kvrepair/internal/schema"
	"kvrepair/internal/storage"
)

// CreateKeyspace defines a keyspace on this node.
func (n *Node) CreateKeyspace(name string, rf int) error {
	return n.catalog.CreateKeyspace(name, rf)
}

// CreateTable defines a table on this node and creates its storage.
func (n *Node) CreateTable(keyspace, name string, opts map[string]string) (schema.Table, error) {
	t, err := n.catalog.CreateTable(keyspace, name, opts)
	if err != nil {
		return schema.Table{}, err
	}
	n.store.CreateTable(keyspace, name)
	return t, nil
}

// AlterTable applies table options; the new values take effect on the next
// GC decision.
func (n *Node) AlterTable(keyspace, name string, opts map[string]string) (schema.Table, error) {
	return n.catalog.Alter(keyspace, name, opts)
}

// Repair runs a repair session for a table and waits for it.
func (n *Node) Repair(ctx context.Context, keyspace, table string) (repair.Status, error) {
	return n.coordinator.Repair(ctx, keyspace, table)
}

// StartRepair starts a repair session in the background and returns its id.
func (n *Node) StartRepair(keyspace, table string) (int64, error) {
	return n.coordinator.StartRepair(keyspace, table)
}

// RepairStatus returns the status of a repair session.
func (n *Node) RepairStatus(id int64) (repair.Status, error) {
	return n.coordinator.Status(id)
}

// WaitRepair blocks until a repair session finishes.
func (n *Node) WaitRepair(ctx context.Context, id int64) (repair.Status, error) {
	return n.coordinator.Wait(ctx, id)
}

// RepairSessions lists every repair session started on this node.
func (n *Node) RepairSessions() []repair.Status {
	return n.coordinator.Sessions()
}

// KeyspaceFlush flushes the memtables of every table in a keyspace and
// returns the number of fragments written out.
func (n *Node) KeyspaceFlush(keyspace string) (int, error) {
	if _, err := n.catalog.Keyspace(keyspace); err != nil {
		return 0, err
	}
	total := 0
	for _, t := range n.catalog.Tables(keyspace) {
		flushed, err := n.store.Flush(keyspace, t.Name)
		if err != nil {
			return total, err
		}
		total += flushed
	}
	n.logger.Info("Flushed keyspace", "keyspace", keyspace, "fragments", total)
	return total, nil
}

// KeyspaceCompaction runs a major compaction of every table in a keyspace.
// Tombstones are purged by the table GC policy; the streaming override
// does not apply.
func (n *Node) KeyspaceCompaction(keyspace string) (map[string]storage.CompactionStats, error) {
	if _, err := n.catalog.Keyspace(keyspace); err != nil {
		return nil, err
	}
	out := make(map[string]storage.CompactionStats)
	for _, t := range n.catalog.Tables(keyspace) {
		stats, err := n.store.Compact(keyspace, t.Name, n.gc.ForCompaction(keyspace, t.Name))
		if err != nil {
			return out, err
		}
		out[t.Name] = stats
		metrics.PurgedTombstones.WithLabelValues(n.id, "compaction").Add(float64(stats.PurgedTombs))
		n.logger.Info("Compacted table",
			"keyspace", keyspace, "table", t.Name,
			"fragments_in", stats.FragmentsIn, "fragments_out", stats.FragmentsOut, "purged", stats.PurgedTombs)
	}
	return out, nil
}

// MutationFragments returns the stored fragments of a partition, merged,
// in the order a mutation fragment dump lists them.
func (n *Node) MutationFragments(keyspace, table, pk string) ([]storage.MutationFragment, error) {
	return n.store.MutationFragments(keyspace, table, pk)
}

// ConfigRows returns every system.config row.
func (n *Node) ConfigRows() []config.Row {
	return n.configTable.Rows()
}

// Config returns one system.config row.
func (n *Node) Config(name string) (config.Row, error) {
	return n.configTable.Select(name)
}

// UpdateConfig updates a live item through system.config and returns the
// new row.
func (n *Node) UpdateConfig(name, value string) (config.Row, error) {
	if err := n.configTable.Update(name, value); err != nil {
		return config.Row{}, err
	}
	n.logger.Info("Updated config item", "item", name, "value", value)
	return n.configTable.Select(name)
}
