package hints

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hyp3rd/ewrap"

	"kvrepair/internal/clock"
	"kvrepair/internal/sentinel"
	"kvrepair/internal/storage"
)

// BatchEntry is a logged batch.
type BatchEntry struct {
	ID        uuid.UUID
	Keyspace  string
	Table     string
	Fragments []storage.Fragment
	CreatedAt time.Time
}

// BatchApplier applies a logged batch to its replicas.
type BatchApplier func(ctx context.Context, e BatchEntry) error

// Batchlog holds logged batches until they are applied. Until Start is
// called it is uninitialized and refuses to replay.
type Batchlog struct {
	mu          sync.Mutex
	entries     map[uuid.UUID]BatchEntry
	initialized atomic.Bool
	apply       BatchApplier
	clock       clock.Clock
	logger      *slog.Logger
}

// NewBatchlog creates an uninitialized batchlog.
func NewBatchlog(apply BatchApplier, c clock.Clock, logger *slog.Logger) *Batchlog {
	if c == nil {
		c = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batchlog{
		entries: make(map[uuid.UUID]BatchEntry),
		apply:   apply,
		clock:   c,
		logger:  logger.With("component", "batchlog"),
	}
}

// Start marks the batchlog initialized.
func (b *Batchlog) Start() {
	b.initialized.Store(true)
}

// Stop marks the batchlog uninitialized again.
func (b *Batchlog) Stop() {
	b.initialized.Store(false)
}

// Initialized reports whether Start has been called.
func (b *Batchlog) Initialized() bool {
	return b.initialized.Load()
}

// Add logs a batch and returns its ID.
func (b *Batchlog) Add(keyspace, table string, frags []storage.Fragment) uuid.UUID {
	e := BatchEntry{
		ID:        uuid.New(),
		Keyspace:  keyspace,
		Table:     table,
		Fragments: frags,
		CreatedAt: b.clock.Now(),
	}
	b.mu.Lock()
	b.entries[e.ID] = e
	b.mu.Unlock()
	return e.ID
}

// Remove drops an applied batch.
func (b *Batchlog) Remove(id uuid.UUID) {
	b.mu.Lock()
	delete(b.entries, id)
	b.mu.Unlock()
}

// Pending returns the number of logged batches.
func (b *Batchlog) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Replay re-applies every logged batch in creation order and removes the
// ones that succeed. It returns the number replayed.
func (b *Batchlog) Replay(ctx context.Context) (int, error) {
	if !b.Initialized() {
		return 0, ewrap.Wrap(sentinel.ErrHandlerUninitialized, "batchlog manager")
	}

	b.mu.Lock()
	pending := make([]BatchEntry, 0, len(b.entries))
	for _, e := range b.entries {
		pending = append(pending, e)
	}
	b.mu.Unlock()
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })

	replayed := 0
	var first error
	for _, e := range pending {
		if err := b.apply(ctx, e); err != nil {
			if first == nil {
				first = ewrap.Wrapf(err, "replay batch %s", e.ID)
			}
			continue
		}
		b.Remove(e.ID)
		replayed++
	}
	if replayed > 0 {
		b.logger.Info("Replayed batchlog", "count", replayed)
	}
	return replayed, first
}
