package gc

import (
	"log/slog"
	"time"

	"kvrepair/internal/clock"
	"kvrepair/internal/config"
	"kvrepair/internal/schema"
	"kvrepair/internal/storage"
)

// Confirmer reports when repair last confirmed the data at a token on all
// replicas. A zero time means never.
type Confirmer interface {
	RepairedAt(keyspace, table string, token uint64) time.Time
}

// TableSource resolves the current schema of a table.
type TableSource interface {
	Table(keyspace, name string) (schema.Table, error)
}

type neverConfirmed struct{}

func (neverConfirmed) RepairedAt(string, string, uint64) time.Time { return time.Time{} }

// Evaluator evaluates tombstones against the live schema and config of a
// node. It holds read-through handles only, so schema and config changes
// apply to the next partition evaluated.
type Evaluator struct {
	tables    TableSource
	clock     clock.Clock
	confirmer Confirmer
	override  config.Bool
	logger    *slog.Logger
}

// NewEvaluator creates an evaluator. A nil confirmer never confirms, which
// keeps repair-mode tombstones forever.
func NewEvaluator(tables TableSource, c clock.Clock, confirmer Confirmer, override config.Bool, logger *slog.Logger) *Evaluator {
	if confirmer == nil {
		confirmer = neverConfirmed{}
	}
	if c == nil {
		c = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		tables:    tables,
		clock:     c,
		confirmer: confirmer,
		override:  override,
		logger:    logger.With("component", "gc"),
	}
}

// Context snapshots the GC context of partition pk.
func (e *Evaluator) Context(keyspace, table, pk string) (Context, error) {
	t, err := e.tables.Table(keyspace, table)
	if err != nil {
		return Context{}, err
	}
	ctx := Context{
		Mode:             t.TombstoneGC.Mode,
		GCGrace:          t.GCGrace,
		PropagationDelay: t.TombstoneGC.PropagationDelay,
		Now:              e.clock.Now(),
	}
	if ctx.Mode == schema.GCRepair {
		ctx.RepairTime = e.confirmer.RepairedAt(keyspace, table, storage.Fragment{PartitionKey: pk}.Token())
	}
	return ctx, nil
}

// Override returns the committed value of the streaming GC switch.
func (e *Evaluator) Override() bool {
	return e.override.Get()
}

// ForRepair returns the purge predicate used while reading partition pk
// for repair or streaming. The override and the context are read once here
// so every fragment of the partition is judged against the same snapshot.
func (e *Evaluator) ForRepair(keyspace, table, pk string) storage.PurgeFunc {
	override := e.override.Get()
	if !override {
		return nil
	}
	return e.predicate(keyspace, table, pk, true)
}

// ForCompaction returns the per-partition purge predicates of local
// compaction, where the streaming override does not apply.
func (e *Evaluator) ForCompaction(keyspace, table string) func(pk string) storage.PurgeFunc {
	return func(pk string) storage.PurgeFunc {
		return e.predicate(keyspace, table, pk, true)
	}
}

func (e *Evaluator) predicate(keyspace, table, pk string, override bool) storage.PurgeFunc {
	ctx, err := e.Context(keyspace, table, pk)
	if err != nil {
		e.logger.Warn("No GC context, keeping tombstones", "table", keyspace+"."+table, "pk", pk, "error", err)
		return nil
	}
	if ctx.Mode == schema.GCDisabled {
		return nil
	}
	return func(f storage.Fragment) bool {
		return IsPurgeable(f, ctx, override)
	}
}
