package repair

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyp3rd/ewrap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"kvrepair/internal/clock"
	"kvrepair/internal/config"
	"kvrepair/internal/fanout"
	"kvrepair/internal/history"
	"kvrepair/internal/injection"
	"kvrepair/internal/merkle"
	"kvrepair/internal/metrics"
	"kvrepair/internal/replication"
	"kvrepair/internal/ring"
	"kvrepair/internal/schema"
	"kvrepair/internal/sentinel"
	"kvrepair/internal/storage"
)

var tracer = otel.Tracer("kvrepair.repair")

const (
	// DefaultMerkleDepth is the merkle depth used when none is configured.
	DefaultMerkleDepth = 6
	// DefaultRPCTimeout bounds each participant call of a session.
	DefaultRPCTimeout = 30 * time.Second
	// DefaultRetainFinished is how many finished sessions stay queryable.
	DefaultRetainFinished = 100
)

// Catalog resolves keyspaces and tables. *schema.Catalog implements it.
type Catalog interface {
	Keyspace(name string) (schema.Keyspace, error)
	Table(keyspace, name string) (schema.Table, error)
}

// Liveness reports whether a node is believed up.
// *gossip.Membership implements it.
type Liveness interface {
	IsAlive(id string) bool
}

// Options configures a Coordinator.
type Options struct {
	NodeID      string
	Transport   Transport
	Ring        *ring.Ring
	Catalog     Catalog
	Liveness    Liveness
	Decider     *Decider
	Purge       PurgeSource
	Injection   *injection.Registry
	Parallelism config.Int
	MerkleDepth int
	SyncTimeout time.Duration
	RPCTimeout  time.Duration
	// RetainFinished bounds the finished sessions kept for Status and
	// Sessions; the oldest are dropped first.
	RetainFinished int
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Coordinator runs the repair sessions initiated by a node. Config is read
// through live handles, so updates apply to the next decision of a running
// coordinator.
type Coordinator struct {
	opts   Options
	gate   *SyncGate
	logger *slog.Logger

	nextID   atomic.Int64
	mu       sync.Mutex
	sessions map[int64]*Session
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.MerkleDepth <= 0 {
		opts.MerkleDepth = DefaultMerkleDepth
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = DefaultRPCTimeout
	}
	if opts.RetainFinished <= 0 {
		opts.RetainFinished = DefaultRetainFinished
	}
	logger := opts.Logger.With("component", "repair")
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		opts:     opts,
		gate:     NewSyncGate(opts.Transport, opts.NodeID, opts.SyncTimeout, opts.Logger),
		logger:   logger,
		sessions: make(map[int64]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// rangeWork is the per-range state carried between phases.
type rangeWork struct {
	rr           replication.RangeReplicas
	participants []string
	copies       map[string]map[string][]storage.Fragment // pk -> participant -> raw
	compact      bool
	payloads     map[string][]storage.Fragment // participant -> fragments
}

// StartRepair creates a session for a table and runs it in the background.
// It returns the job id.
func (c *Coordinator) StartRepair(keyspace, table string) (int64, error) {
	s, work, err := c.prepare(keyspace, table)
	if err != nil {
		return 0, err
	}
	go func() {
		defer c.wg.Done()
		c.run(c.ctx, s, work)
	}()
	return s.ID, nil
}

// Repair runs a session to completion and returns its final status. The
// error is the session failure cause, or a setup error when no session
// could be created.
func (c *Coordinator) Repair(ctx context.Context, keyspace, table string) (Status, error) {
	s, work, err := c.prepare(keyspace, table)
	if err != nil {
		return Status{}, err
	}
	defer c.wg.Done()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	c.run(runCtx, s, work)
	return s.Status(), s.Err()
}

// Wait blocks until job id finishes or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, id int64) (Status, error) {
	s, err := c.session(id)
	if err != nil {
		return Status{}, err
	}
	select {
	case <-s.Done():
		return s.Status(), s.Err()
	case <-ctx.Done():
		return s.Status(), ctx.Err()
	}
}

// Status returns the status of job id.
func (c *Coordinator) Status(id int64) (Status, error) {
	s, err := c.session(id)
	if err != nil {
		return Status{}, err
	}
	return s.Status(), nil
}

// Sessions returns the status of every session, oldest first.
func (c *Coordinator) Sessions() []Status {
	c.mu.Lock()
	out := make([]Status, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s.Status())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown cancels running sessions and waits for them. New sessions are
// refused with ErrShutdown. Sessions are not persisted.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) session(id int64) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, ewrap.Wrapf(sentinel.ErrSessionNotFound, "id %d", id)
	}
	return s, nil
}

// prepare registers a session and adds it to the wait group. The caller
// must call c.wg.Done once the session has run.
func (c *Coordinator) prepare(keyspace, table string) (*Session, []*rangeWork, error) {
	ks, err := c.opts.Catalog.Keyspace(keyspace)
	if err != nil {
		return nil, nil, err
	}
	if _, err := c.opts.Catalog.Table(keyspace, table); err != nil {
		return nil, nil, err
	}

	ranges := replication.RangesOf(c.opts.Ring, c.opts.NodeID, ks.ReplicationFactor)
	seen := map[string]struct{}{c.opts.NodeID: {}}
	participants := []string{c.opts.NodeID}
	work := make([]*rangeWork, 0, len(ranges))
	for _, rr := range ranges {
		w := &rangeWork{rr: rr}
		for _, n := range rr.Replicas {
			w.participants = append(w.participants, n.ID)
			if _, ok := seen[n.ID]; !ok {
				seen[n.ID] = struct{}{}
				participants = append(participants, n.ID)
			}
		}
		work = append(work, w)
	}
	sort.Strings(participants[1:])

	s := newSession(c.nextID.Add(1), keyspace, table, participants, c.opts.Clock.Now())
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, sentinel.ErrShutdown
	}
	c.sessions[s.ID] = s
	c.wg.Add(1)
	return s, work, nil
}

// evictFinished drops the oldest finished sessions beyond RetainFinished.
func (c *Coordinator) evictFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var finished []int64
	for id, s := range c.sessions {
		if s.State().Terminal() {
			finished = append(finished, id)
		}
	}
	if len(finished) <= c.opts.RetainFinished {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i] < finished[j] })
	for _, id := range finished[:len(finished)-c.opts.RetainFinished] {
		delete(c.sessions, id)
	}
}

func (c *Coordinator) run(ctx context.Context, s *Session, work []*rangeWork) {
	ctx, span := tracer.Start(ctx, "repair.Session",
		trace.WithAttributes(
			attribute.String("repair.uuid", s.UUID.String()),
			attribute.String("repair.table", s.Keyspace+"."+s.Table),
			attribute.StringSlice("repair.participants", s.Participants),
			attribute.Int("repair.ranges", len(work)),
		),
	)
	defer span.End()

	start := time.Now()
	logger := c.logger.With("session", s.UUID.String(), "id", s.ID)
	logger.Info("Repair session started", "table", s.Keyspace+"."+s.Table,
		"participants", s.Participants, "ranges", len(work))

	err := c.execute(ctx, s, work, logger)
	if err != nil && ctx.Err() != nil {
		err = ewrap.Wrapf(sentinel.ErrDiffIncomplete, "session aborted: %v", ctx.Err())
	}
	s.finish(err, c.opts.Clock.Now())
	c.evictFinished()

	state := s.State()
	metrics.RepairSessions.WithLabelValues(c.opts.NodeID, state.String()).Inc()
	metrics.RepairDuration.WithLabelValues(c.opts.NodeID).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("Repair session failed", "error", err)
		return
	}
	st := s.Status()
	logger.Info("Repair session completed", "differing_partitions", st.DifferingPartitions,
		"streamed_fragments", st.StreamedFragments, "sync_failures", len(st.SyncFailures))
}

func (c *Coordinator) execute(ctx context.Context, s *Session, work []*rangeWork, logger *slog.Logger) error {
	s.advance(StateSyncingParticipants)
	if err := c.syncParticipants(ctx, s, logger); err != nil {
		return err
	}

	s.advance(StateDiffing)
	if err := c.diff(ctx, s, work); err != nil {
		return err
	}

	s.advance(StateStreamingDecision)
	c.decide(ctx, s, work)

	s.advance(StateStreaming)
	if err := c.stream(ctx, s, work); err != nil {
		return err
	}

	// A degraded sync confirms nothing for GC: unflushed hints may still
	// carry writes the repaired tombstones delete.
	if failed := s.Status().SyncFailures; len(failed) > 0 {
		logger.Warn("Skipping repair history update, hints and batchlog were not flushed on every participant",
			"sync_failures", failed)
		return nil
	}
	c.recordHistory(ctx, s, work, logger)
	return nil
}

func (c *Coordinator) syncParticipants(ctx context.Context, s *Session, logger *slog.Logger) error {
	ctx, span := tracer.Start(ctx, "repair.sync")
	defer span.End()

	for _, r := range c.gate.SyncAll(ctx, s.Participants) {
		switch r.Status {
		case SyncOK:
		case SyncDegraded:
			s.addSyncFailure(r.Participant)
			metrics.SyncFailures.WithLabelValues(c.opts.NodeID, r.Status.String()).Inc()
			logger.Warn(fmt.Sprintf("repair[%s]: flush hints and batchlog for participant %s failed, continue to run repair",
				s.UUID, r.Participant), "error", r.Err)
		case SyncFatal:
			metrics.SyncFailures.WithLabelValues(c.opts.NodeID, r.Status.String()).Inc()
			return ewrap.Wrapf(sentinel.ErrDiffIncomplete, "participant %s unreachable: %v", r.Participant, r.Err)
		}
	}
	return nil
}

func (c *Coordinator) parallelism() int {
	n := 1
	if c.opts.Parallelism.Valid() {
		n = int(c.opts.Parallelism.Get())
	}
	if n <= 0 {
		n = 1
	}
	return n
}

func (c *Coordinator) checkAlive(participants []string) error {
	if c.opts.Liveness == nil {
		return nil
	}
	for _, p := range participants {
		if !c.opts.Liveness.IsAlive(p) {
			return ewrap.Wrapf(sentinel.ErrDiffIncomplete, "participant %s is down", p)
		}
	}
	return nil
}

func (c *Coordinator) diff(ctx context.Context, s *Session, work []*rangeWork) error {
	ctx, span := tracer.Start(ctx, "repair.diff")
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism())
	for _, w := range work {
		g.Go(func() error {
			return c.diffRange(gctx, s, w)
		})
	}
	return g.Wait()
}

func (c *Coordinator) diffRange(ctx context.Context, s *Session, w *rangeWork) error {
	if err := c.checkAlive(w.participants); err != nil {
		return err
	}

	digests := fanout.All(ctx, w.participants, c.opts.RPCTimeout, func(ctx context.Context, p string) ([]uint64, error) {
		return c.opts.Transport.RangeDigest(ctx, p, DigestRequest{
			SessionID: s.UUID.String(),
			Keyspace:  s.Keyspace,
			Table:     s.Table,
			Range:     w.rr.Range,
			Depth:     c.opts.MerkleDepth,
		})
	})
	trees := make([]*merkle.Tree, len(digests))
	for i, d := range digests {
		if d.Err != nil {
			return ewrap.Wrapf(sentinel.ErrDiffIncomplete, "range %s digest from %s: %v", w.rr.Range, d.Target, d.Err)
		}
		trees[i] = merkle.FromLeaves(w.rr.Range, d.Value)
	}

	leaves := merkle.DiffAll(trees)
	if len(leaves) == 0 {
		s.addCounts(1, 0, 0)
		return nil
	}

	keySet := make(map[string]struct{})
	for _, leaf := range leaves {
		sub := trees[0].LeafRange(leaf)
		hashes := fanout.All(ctx, w.participants, c.opts.RPCTimeout, func(ctx context.Context, p string) (map[string]uint64, error) {
			return c.opts.Transport.PartitionHashes(ctx, p, HashRequest{
				SessionID: s.UUID.String(),
				Keyspace:  s.Keyspace,
				Table:     s.Table,
				Range:     sub,
			})
		})
		for _, h := range hashes {
			if h.Err != nil {
				return ewrap.Wrapf(sentinel.ErrDiffIncomplete, "range %s hashes from %s: %v", sub, h.Target, h.Err)
			}
		}
		for pk := range differingKeys(hashes) {
			keySet[pk] = struct{}{}
		}
	}

	keys := make([]string, 0, len(keySet))
	for pk := range keySet {
		keys = append(keys, pk)
	}
	storage.SortKeys(keys)

	fetched := fanout.All(ctx, w.participants, c.opts.RPCTimeout, func(ctx context.Context, p string) (map[string][]storage.Fragment, error) {
		return c.opts.Transport.FetchPartitions(ctx, p, FetchRequest{
			SessionID: s.UUID.String(),
			Keyspace:  s.Keyspace,
			Table:     s.Table,
			Keys:      keys,
		})
	})
	w.copies = make(map[string]map[string][]storage.Fragment, len(keys))
	for _, pk := range keys {
		w.copies[pk] = make(map[string][]storage.Fragment, len(w.participants))
	}
	for _, f := range fetched {
		if f.Err != nil {
			return ewrap.Wrapf(sentinel.ErrDiffIncomplete, "range %s fetch from %s: %v", w.rr.Range, f.Target, f.Err)
		}
		for pk, frags := range f.Value {
			if m, ok := w.copies[pk]; ok {
				m[f.Target] = frags
			}
		}
	}

	s.addCounts(1, len(keys), 0)
	metrics.DifferingPartitions.WithLabelValues(c.opts.NodeID).Add(float64(len(keys)))
	return nil
}

// differingKeys returns the partitions whose digest is not the same on
// every participant. A partition missing from a participant differs.
func differingKeys(results []fanout.Result[map[string]uint64]) map[string]struct{} {
	out := make(map[string]struct{})
	for _, r := range results {
		for pk, h := range r.Value {
			for _, o := range results {
				if oh, ok := o.Value[pk]; !ok || oh != h {
					out[pk] = struct{}{}
					break
				}
			}
		}
	}
	return out
}

func (c *Coordinator) decide(ctx context.Context, s *Session, work []*rangeWork) {
	_, span := tracer.Start(ctx, "repair.decide")
	defer span.End()

	for _, w := range work {
		w.compact = c.opts.Decider.ShouldCompactBeforeStream(w.rr.Range)
		w.payloads = make(map[string][]storage.Fragment)
		for pk, copies := range w.copies {
			var purge storage.PurgeFunc
			if c.opts.Purge != nil {
				purge = c.opts.Purge.ForRepair(s.Keyspace, s.Table, pk)
			}
			res := Reconcile(copies, w.participants, w.compact, purge)
			if res.Purged > 0 {
				metrics.PurgedTombstones.WithLabelValues(c.opts.NodeID, "streaming").Add(float64(res.Purged))
			}
			for p, frags := range res.Missing {
				w.payloads[p] = append(w.payloads[p], frags...)
			}
		}
	}
}

func (c *Coordinator) stream(ctx context.Context, s *Session, work []*rangeWork) error {
	ctx, span := tracer.Start(ctx, "repair.stream")
	defer span.End()

	payloads := make(map[string][]storage.Fragment)
	for _, w := range work {
		for p, frags := range w.payloads {
			payloads[p] = append(payloads[p], frags...)
		}
	}
	if len(payloads) == 0 {
		return nil
	}

	targets := make([]string, 0, len(payloads))
	for p := range payloads {
		targets = append(targets, p)
	}
	sort.Strings(targets)

	results := fanout.Limit(ctx, targets, c.parallelism(), func(ctx context.Context, p string) (int, error) {
		if c.opts.Injection != nil && c.opts.Injection.Triggered(injection.StreamTransferFailure) {
			return 0, ewrap.New("injected stream failure")
		}
		callCtx, cancel := context.WithTimeout(ctx, c.opts.RPCTimeout)
		defer cancel()
		frags := payloads[p]
		storage.Sort(frags)
		err := c.opts.Transport.StreamFragments(callCtx, p, StreamRequest{
			SessionID: s.UUID.String(),
			Keyspace:  s.Keyspace,
			Table:     s.Table,
			Fragments: frags,
		})
		return len(frags), err
	})

	var firstErr error
	for _, r := range results {
		if r.Err != nil {
			if firstErr == nil {
				firstErr = ewrap.Wrapf(sentinel.ErrTransferError, "stream to %s: %v", r.Target, r.Err)
			}
			continue
		}
		s.addCounts(0, 0, r.Value)
		metrics.StreamedFragments.WithLabelValues(c.opts.NodeID).Add(float64(r.Value))
	}
	return firstErr
}

// recordHistory stores the repaired ranges on every participant. Failures
// are logged; data was already reconciled.
func (c *Coordinator) recordHistory(ctx context.Context, s *Session, work []*rangeWork, logger *slog.Logger) {
	perNode := make(map[string][]history.Entry)
	for _, w := range work {
		e := history.Entry{
			Keyspace:   s.Keyspace,
			Table:      s.Table,
			Range:      w.rr.Range,
			RepairedAt: s.StartedAt,
			SessionID:  s.UUID.String(),
		}
		for _, p := range w.participants {
			perNode[p] = append(perNode[p], e)
		}
	}
	results := fanout.All(ctx, s.Participants, c.opts.RPCTimeout, func(ctx context.Context, p string) (struct{}, error) {
		return struct{}{}, c.opts.Transport.RecordHistory(ctx, p, perNode[p])
	})
	for _, r := range results {
		if r.Err != nil {
			logger.Warn("Failed to record repair history", "participant", r.Target, "error", r.Err)
		}
	}
}
