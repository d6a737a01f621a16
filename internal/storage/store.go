package storage

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/hyp3rd/ewrap"

	"kvrepair/internal/ring"
	"kvrepair/internal/sentinel"
)

// run is an immutable set of partitions, the in-memory stand-in for an
// sstable.
type run struct {
	id         int
	partitions map[string][]Fragment
}

type table struct {
	memtable map[string][]Fragment
	runs     []*run
}

// CompactionStats summarizes a major compaction.
type CompactionStats struct {
	RunsBefore     int
	FragmentsIn    int
	FragmentsOut   int
	PurgedTombs    int
	PartitionsLeft int
}

// Store is the node-local storage of every table.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*table // "ks.tbl"
	nextID int
	logger *slog.Logger
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		tables: make(map[string]*table),
		logger: logger.With("component", "storage"),
	}
}

// CreateTable registers a table. It is a no-op for an existing table.
func (s *Store) CreateTable(keyspace, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyspace + "." + name
	if _, ok := s.tables[key]; !ok {
		s.tables[key] = &table{memtable: make(map[string][]Fragment)}
	}
}

func (s *Store) table(keyspace, name string) (*table, error) {
	t, ok := s.tables[keyspace+"."+name]
	if !ok {
		return nil, ewrap.Wrapf(sentinel.ErrUnknownTable, "%s.%s", keyspace, name)
	}
	return t, nil
}

// Apply writes fragments to the memtable.
func (s *Store) Apply(keyspace, name string, frags ...Fragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.table(keyspace, name)
	if err != nil {
		return err
	}
	for _, f := range frags {
		t.memtable[f.PartitionKey] = append(t.memtable[f.PartitionKey], f.clone())
	}
	return nil
}

// ApplyStream writes a streamed payload as a new run, the way streamed
// data lands in its own sstable.
func (s *Store) ApplyStream(keyspace, name string, frags []Fragment) error {
	if len(frags) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.table(keyspace, name)
	if err != nil {
		return err
	}
	r := s.newRun()
	for _, f := range frags {
		r.partitions[f.PartitionKey] = append(r.partitions[f.PartitionKey], f.clone())
	}
	t.runs = append(t.runs, r)
	s.logger.Debug("Applied streamed run", "table", keyspace+"."+name, "run", r.id, "fragments", len(frags))
	return nil
}

func (s *Store) newRun() *run {
	s.nextID++
	return &run{id: s.nextID, partitions: make(map[string][]Fragment)}
}

// Flush moves the memtable of a table into a new run. It returns the
// number of fragments flushed.
func (s *Store) Flush(keyspace, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.table(keyspace, name)
	if err != nil {
		return 0, err
	}
	return s.flushLocked(t), nil
}

func (s *Store) flushLocked(t *table) int {
	if len(t.memtable) == 0 {
		return 0
	}
	r := s.newRun()
	n := 0
	for pk, frags := range t.memtable {
		r.partitions[pk] = frags
		n += len(frags)
	}
	t.runs = append(t.runs, r)
	t.memtable = make(map[string][]Fragment)
	return n
}

// FlushAll flushes every table.
func (s *Store) FlushAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tables {
		n += s.flushLocked(t)
	}
	return n
}

// Compact flushes the memtable and merges every run of the table into one.
// purgeFor, if non-nil, supplies the purge predicate of each partition; it
// is called once per partition.
func (s *Store) Compact(keyspace, name string, purgeFor func(pk string) PurgeFunc) (CompactionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.table(keyspace, name)
	if err != nil {
		return CompactionStats{}, err
	}
	s.flushLocked(t)

	stats := CompactionStats{RunsBefore: len(t.runs)}
	if len(t.runs) == 0 {
		return stats, nil
	}

	all := make(map[string][]Fragment)
	for _, r := range t.runs {
		for pk, frags := range r.partitions {
			all[pk] = append(all[pk], frags...)
			stats.FragmentsIn += len(frags)
		}
	}

	out := s.newRun()
	for pk, frags := range all {
		var purge PurgeFunc
		if purgeFor != nil {
			purge = purgeFor(pk)
		}
		kept := Merge(frags, nil)
		merged := Merge(kept, purge)
		for _, f := range kept {
			if f.IsTombstone() {
				stats.PurgedTombs++
			}
		}
		for _, f := range merged {
			if f.IsTombstone() {
				stats.PurgedTombs--
			}
		}
		if len(merged) > 0 {
			out.partitions[pk] = merged
			stats.FragmentsOut += len(merged)
		}
	}
	t.runs = []*run{out}
	stats.PartitionsLeft = len(out.partitions)

	s.logger.Debug("Compacted table", "table", keyspace+"."+name,
		"runs", stats.RunsBefore, "in", stats.FragmentsIn, "out", stats.FragmentsOut, "purged", stats.PurgedTombs)
	return stats, nil
}

// RawPartition returns the distinct fragments of a partition across memtable
// and runs, unmerged.
func (s *Store) RawPartition(keyspace, name, pk string) ([]Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.table(keyspace, name)
	if err != nil {
		return nil, err
	}
	return Dedup(t.sources(pk)), nil
}

// Partition returns the merged form of a partition without purging.
func (s *Store) Partition(keyspace, name, pk string) ([]Fragment, error) {
	raw, err := s.RawPartition(keyspace, name, pk)
	if err != nil {
		return nil, err
	}
	return Merge(raw, nil), nil
}

// MutationFragments returns the fragment stream of a partition.
func (s *Store) MutationFragments(keyspace, name, pk string) ([]MutationFragment, error) {
	merged, err := s.Partition(keyspace, name, pk)
	if err != nil {
		return nil, err
	}
	return MutationFragments(merged), nil
}

// PartitionKeys returns the keys holding any fragment whose token satisfies
// keep (nil keeps all), ordered by token then key.
func (s *Store) PartitionKeys(keyspace, name string, keep func(token uint64) bool) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.table(keyspace, name)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	add := func(pk string) {
		if _, ok := seen[pk]; ok {
			return
		}
		if keep == nil || keep(ring.Token(pk)) {
			seen[pk] = struct{}{}
		}
	}
	for pk := range t.memtable {
		add(pk)
	}
	for _, r := range t.runs {
		for pk := range r.partitions {
			add(pk)
		}
	}

	keys := make([]string, 0, len(seen))
	for pk := range seen {
		keys = append(keys, pk)
	}
	SortKeys(keys)
	return keys, nil
}

// Runs returns the number of runs of a table.
func (s *Store) Runs(keyspace, name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(keyspace, name)
	if err != nil {
		return 0
	}
	return len(t.runs)
}

func (t *table) sources(pk string) []Fragment {
	var out []Fragment
	out = append(out, t.memtable[pk]...)
	for _, r := range t.runs {
		out = append(out, r.partitions[pk]...)
	}
	return out
}

// SortKeys orders partition keys by token, then by key.
func SortKeys(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		ti, tj := ring.Token(keys[i]), ring.Token(keys[j])
		if ti != tj {
			return ti < tj
		}
		return keys[i] < keys[j]
	})
}
