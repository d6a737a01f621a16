package repair

import (
	"context"
	"log/slog"

	"github.com/hyp3rd/ewrap"

	"kvrepair/internal/history"
	"kvrepair/internal/merkle"
	"kvrepair/internal/sentinel"
	"kvrepair/internal/storage"
)

// PurgeSource supplies the repair-context purge predicate of a partition.
// *gc.Evaluator implements it.
type PurgeSource interface {
	ForRepair(keyspace, table, pk string) storage.PurgeFunc
}

// Flusher handles repair_flush_hints_batchlog_request.
// *hints.FlushHandler implements it.
type Flusher interface {
	Handle(ctx context.Context, from string) error
}

// Replica serves the participant side of repair from the local store.
type Replica struct {
	nodeID  string
	store   *storage.Store
	purge   PurgeSource
	history *history.History
	flusher Flusher
	logger  *slog.Logger
}

// NewReplica creates the participant-side handler of a node.
func NewReplica(nodeID string, store *storage.Store, purge PurgeSource, hist *history.History, flusher Flusher, logger *slog.Logger) *Replica {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replica{
		nodeID:  nodeID,
		store:   store,
		purge:   purge,
		history: hist,
		flusher: flusher,
		logger:  logger.With("component", "repair"),
	}
}

// NodeID returns the id of the node the replica serves.
func (r *Replica) NodeID() string { return r.nodeID }

// FlushHintsBatchlog runs the pre-repair sync for initiator from.
func (r *Replica) FlushHintsBatchlog(ctx context.Context, from string) error {
	if r.flusher == nil {
		return ewrap.Wrap(sentinel.ErrHandlerUninitialized, "no flush handler")
	}
	return r.flusher.Handle(ctx, from)
}

// view returns the repaired view of a partition: merged, with tombstones
// eligible for GC in a repair context dropped.
func (r *Replica) view(keyspace, table, pk string) ([]storage.Fragment, error) {
	raw, err := r.store.RawPartition(keyspace, table, pk)
	if err != nil {
		return nil, err
	}
	var purge storage.PurgeFunc
	if r.purge != nil {
		purge = r.purge.ForRepair(keyspace, table, pk)
	}
	return storage.Merge(raw, purge), nil
}

// PartitionHashes returns the digest of every non-empty repaired partition
// in the requested range.
func (r *Replica) PartitionHashes(_ context.Context, req HashRequest) (map[string]uint64, error) {
	keys, err := r.store.PartitionKeys(req.Keyspace, req.Table, req.Range.Contains)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64, len(keys))
	for _, pk := range keys {
		v, err := r.view(req.Keyspace, req.Table, pk)
		if err != nil {
			return nil, err
		}
		if len(v) == 0 {
			continue
		}
		out[pk] = storage.Digest(v)
	}
	return out, nil
}

// RangeDigest returns the merkle leaves of the repaired view of a range.
func (r *Replica) RangeDigest(ctx context.Context, req DigestRequest) ([]uint64, error) {
	hashes, err := r.PartitionHashes(ctx, HashRequest{
		SessionID: req.SessionID,
		Keyspace:  req.Keyspace,
		Table:     req.Table,
		Range:     req.Range,
	})
	if err != nil {
		return nil, err
	}
	b := merkle.NewBuilder(req.Range, req.Depth)
	for pk, h := range hashes {
		b.Add(pk, h)
	}
	return b.Build().Leaves(), nil
}

// FetchPartitions returns the raw fragments of the requested partitions.
// Absent partitions are omitted.
func (r *Replica) FetchPartitions(_ context.Context, req FetchRequest) (map[string][]storage.Fragment, error) {
	out := make(map[string][]storage.Fragment, len(req.Keys))
	for _, pk := range req.Keys {
		raw, err := r.store.RawPartition(req.Keyspace, req.Table, pk)
		if err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			out[pk] = raw
		}
	}
	return out, nil
}

// StreamFragments lands a repair payload as a new run.
func (r *Replica) StreamFragments(_ context.Context, req StreamRequest) error {
	if err := r.store.ApplyStream(req.Keyspace, req.Table, req.Fragments); err != nil {
		return ewrap.Wrap(err, "apply streamed fragments")
	}
	r.logger.Debug("Received repair stream", "session", req.SessionID,
		"table", req.Keyspace+"."+req.Table, "fragments", len(req.Fragments))
	return nil
}

// RecordHistory stores completed repair ranges.
func (r *Replica) RecordHistory(_ context.Context, entries []history.Entry) error {
	if r.history == nil {
		return nil
	}
	for _, e := range entries {
		if err := r.history.Record(e); err != nil {
			return err
		}
	}
	return nil
}
