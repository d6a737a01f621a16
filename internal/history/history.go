package history

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/hyp3rd/ewrap"

	"kvrepair/internal/ring"
)

const keyPrefix = "repair_history/"

// Entry is one row of the repair history.
type Entry struct {
	Keyspace   string        `json:"keyspace"`
	Table      string        `json:"table"`
	Range      ring.KeyRange `json:"range"`
	RepairedAt time.Time     `json:"repaired_at"`
	SessionID  string        `json:"session_id"`
}

func (e Entry) key() []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%016x-%016x", keyPrefix, e.Keyspace, e.Table, e.Range.Start, e.Range.End))
}

// History is a badger-backed repair history with an in-memory index.
type History struct {
	db     *badger.DB
	mu     sync.RWMutex
	byTbl  map[string]map[ring.KeyRange]Entry
	logger *slog.Logger
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(string, ...interface{}) {}

func (l *badgerLogger) Debugf(string, ...interface{}) {}

// Open opens the history under dir. An empty dir keeps it in memory.
func Open(dir string, logger *slog.Logger) (*History, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "repair_history")

	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	opts = opts.WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, ewrap.Wrap(err, "open repair history")
	}

	h := &History{db: db, byTbl: make(map[string]map[ring.KeyRange]Entry), logger: logger}
	if err := h.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return h, nil
}

func (h *History) load() error {
	return h.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return ewrap.Wrap(err, "read repair history")
			}
			var e Entry
			if err := json.Unmarshal(val, &e); err != nil {
				return ewrap.Wrapf(err, "decode repair history %s", it.Item().Key())
			}
			h.index(e)
		}
		return nil
	})
}

func (h *History) index(e Entry) {
	tk := e.Keyspace + "." + e.Table
	m, ok := h.byTbl[tk]
	if !ok {
		m = make(map[ring.KeyRange]Entry)
		h.byTbl[tk] = m
	}
	if cur, ok := m[e.Range]; ok && cur.RepairedAt.After(e.RepairedAt) {
		return
	}
	m[e.Range] = e
}

// Record stores a successful repair of a range. An older time never
// replaces a newer one.
func (h *History) Record(e Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.byTbl[e.Keyspace+"."+e.Table][e.Range]; ok && cur.RepairedAt.After(e.RepairedAt) {
		return nil
	}

	val, err := json.Marshal(e)
	if err != nil {
		return ewrap.Wrap(err, "encode repair history")
	}
	if err := h.db.Update(func(txn *badger.Txn) error {
		return txn.Set(e.key(), val)
	}); err != nil {
		return ewrap.Wrap(err, "write repair history")
	}
	h.index(e)
	return nil
}

// RepairedAt returns the latest repair time of any recorded range holding
// token, or zero.
func (h *History) RepairedAt(keyspace, table string, token uint64) time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var latest time.Time
	for kr, e := range h.byTbl[keyspace+"."+table] {
		if kr.Contains(token) && e.RepairedAt.After(latest) {
			latest = e.RepairedAt
		}
	}
	return latest
}

// Entries returns the history of a table ordered by range start.
func (h *History) Entries(keyspace, table string) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	m := h.byTbl[keyspace+"."+table]
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Start < out[j].Range.Start })
	return out
}

// Close closes the underlying database.
func (h *History) Close() error {
	return h.db.Close()
}
