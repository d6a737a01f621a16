package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyp3rd/ewrap"

	"kvrepair/internal/fanout"
	"kvrepair/internal/hints"
	"kvrepair/internal/metrics"
	"kvrepair/internal/replication"
	"kvrepair/internal/sentinel"
	"kvrepair/internal/storage"
)

// Mutate writes fragments of a single partition to its replicas and waits
// for the acks cl requires. Fragments without a timestamp get the next
// write timestamp of this node, tombstones without a deletion time are
// deleted now. Replicas that miss the write get a hint.
func (n *Node) Mutate(ctx context.Context, keyspace, table string, cl fanout.Consistency, frags ...storage.Fragment) (fanout.WriteResult, error) {
	if err := n.checkPartition(keyspace, table, frags); err != nil {
		return fanout.WriteResult{}, err
	}
	return n.mutate(ctx, keyspace, table, cl, n.stamp(frags))
}

// MutateBatch writes fragments that may span partitions through the
// batchlog. The batch is logged before any replica is written and removed
// once every partition reaches cl.
func (n *Node) MutateBatch(ctx context.Context, keyspace, table string, cl fanout.Consistency, frags ...storage.Fragment) error {
	if len(frags) == 0 {
		return ewrap.Wrap(sentinel.ErrInvalidValue, "empty batch")
	}
	if _, err := n.catalog.Table(keyspace, table); err != nil {
		return err
	}
	stamped := n.stamp(frags)
	id := n.batchlog.Add(keyspace, table, stamped)
	if err := n.applyPartitions(ctx, keyspace, table, cl, stamped); err != nil {
		n.logger.Warn("Batch left in batchlog", "batch", id.String(), "error", err)
		return err
	}
	n.batchlog.Remove(id)
	return nil
}

// applyBatch is the batchlog replay path.
func (n *Node) applyBatch(ctx context.Context, e hints.BatchEntry) error {
	return n.applyPartitions(ctx, e.Keyspace, e.Table, fanout.One, e.Fragments)
}

func (n *Node) applyPartitions(ctx context.Context, keyspace, table string, cl fanout.Consistency, frags []storage.Fragment) error {
	byKey := make(map[string][]storage.Fragment)
	var keys []string
	for _, f := range frags {
		if _, ok := byKey[f.PartitionKey]; !ok {
			keys = append(keys, f.PartitionKey)
		}
		byKey[f.PartitionKey] = append(byKey[f.PartitionKey], f)
	}
	var errs []error
	for _, pk := range keys {
		if _, err := n.mutate(ctx, keyspace, table, cl, byKey[pk]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *Node) mutate(ctx context.Context, keyspace, table string, cl fanout.Consistency, frags []storage.Fragment) (fanout.WriteResult, error) {
	ks, err := n.catalog.Keyspace(keyspace)
	if err != nil {
		return fanout.WriteResult{}, err
	}
	pk := frags[0].PartitionKey

	replicas := replication.ForKey(n.ring, pk, ks.ReplicationFactor)
	if len(replicas) == 0 {
		return fanout.WriteResult{}, ewrap.Wrap(sentinel.ErrNotEnoughReplicas, "no replicas available")
	}
	ids := make([]string, len(replicas))
	for i, r := range replicas {
		ids[i] = r.ID
	}

	result := fanout.Write(ctx, ids, cl.Required(len(ids)), n.rpcTimeout, func(ctx context.Context, replica string) error {
		if replica == n.id {
			return n.ApplyLocal(keyspace, table, frags)
		}
		if !n.membership.IsAlive(replica) {
			return ewrap.Wrapf(sentinel.ErrNodeDown, "%s", replica)
		}
		return n.transport.ApplyMutation(ctx, replica, keyspace, table, frags)
	})

	for _, failed := range result.Failed {
		if failed == n.id {
			continue
		}
		if n.hints.Store(failed, keyspace, table, frags) {
			metrics.HintsStored.WithLabelValues(n.id).Inc()
		}
	}

	if !result.Success {
		n.logger.Warn("Write did not reach consistency",
			"keyspace", keyspace, "table", table, "pk", pk,
			"consistency", cl.String(), "acks", result.Acks, "required", result.Required)
		return result, ewrap.Wrapf(sentinel.ErrNotEnoughReplicas, "%s", result.ErrorMessage)
	}
	return result, nil
}

// ApplyLocal applies fragments to the local store without coordination.
func (n *Node) ApplyLocal(keyspace, table string, frags []storage.Fragment) error {
	for _, f := range frags {
		n.ts.Observe(f.Timestamp)
	}
	return n.store.Apply(keyspace, table, frags...)
}

// SendMutation delivers a hinted mutation to its replica.
func (n *Node) SendMutation(ctx context.Context, target, keyspace, table string, frags []storage.Fragment) error {
	if target == n.id {
		return n.ApplyLocal(keyspace, table, frags)
	}
	return n.transport.ApplyMutation(ctx, target, keyspace, table, frags)
}

func (n *Node) checkPartition(keyspace, table string, frags []storage.Fragment) error {
	if _, err := n.catalog.Table(keyspace, table); err != nil {
		return err
	}
	if len(frags) == 0 {
		return ewrap.Wrap(sentinel.ErrInvalidValue, "empty mutation")
	}
	pk := frags[0].PartitionKey
	if pk == "" {
		return ewrap.Wrap(sentinel.ErrInvalidValue, "partition key cannot be empty")
	}
	for _, f := range frags[1:] {
		if f.PartitionKey != pk {
			return ewrap.Wrapf(sentinel.ErrInvalidValue, "mutation spans partitions %q and %q", pk, f.PartitionKey)
		}
	}
	return nil
}

func (n *Node) stamp(frags []storage.Fragment) []storage.Fragment {
	now := n.clock.Now()
	out := make([]storage.Fragment, len(frags))
	for i, f := range frags {
		if f.Timestamp == 0 {
			f.Timestamp = n.ts.Next()
		}
		if f.IsTombstone() && f.DeletionTime.IsZero() {
			f.DeletionTime = now
		}
		out[i] = f
	}
	return out
}

// Insert writes a single row.
func (n *Node) Insert(ctx context.Context, keyspace, table, pk, ck, value string, cl fanout.Consistency) error {
	_, err := n.Mutate(ctx, keyspace, table, cl, storage.Fragment{
		PartitionKey:  pk,
		ClusteringKey: ck,
		Kind:          storage.KindRow,
		Value:         []byte(value),
	})
	return err
}

// DeleteRow writes a row tombstone.
func (n *Node) DeleteRow(ctx context.Context, keyspace, table, pk, ck string, cl fanout.Consistency) error {
	_, err := n.Mutate(ctx, keyspace, table, cl, storage.Fragment{
		PartitionKey:  pk,
		ClusteringKey: ck,
		Kind:          storage.KindRow,
		Deleted:       true,
	})
	return err
}

// DeleteRange writes a range tombstone covering [start, end].
func (n *Node) DeleteRange(ctx context.Context, keyspace, table, pk, start, end string, cl fanout.Consistency) error {
	if start > end {
		return ewrap.Wrap(sentinel.ErrInvalidValue, fmt.Sprintf("range start %q after end %q", start, end))
	}
	_, err := n.Mutate(ctx, keyspace, table, cl, storage.Fragment{
		PartitionKey:  pk,
		ClusteringKey: start,
		RangeEnd:      end,
		Kind:          storage.KindRangeTombstone,
	})
	return err
}

// DeletePartition writes a partition tombstone.
func (n *Node) DeletePartition(ctx context.Context, keyspace, table, pk string, cl fanout.Consistency) error {
	_, err := n.Mutate(ctx, keyspace, table, cl, storage.Fragment{
		PartitionKey: pk,
		Kind:         storage.KindPartitionTombstone,
	})
	return err
}
