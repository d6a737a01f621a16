package hints

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"kvrepair/internal/clock"
	"kvrepair/internal/config"
	"kvrepair/internal/storage"
)

// Hint is a mutation waiting for its replica.
type Hint struct {
	Target    string
	Keyspace  string
	Table     string
	Fragments []storage.Fragment
	CreatedAt time.Time
}

// Sender delivers a mutation to a replica.
type Sender interface {
	SendMutation(ctx context.Context, target, keyspace, table string, frags []storage.Fragment) error
}

// Manager holds the hint queues of a node.
type Manager struct {
	mu     sync.Mutex
	queues map[string][]Hint

	enabled config.Bool
	window  config.Int
	clock   clock.Clock
	sender  Sender
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a hint manager. enabled and window are read on every
// Store, so toggling hinted_handoff_enabled takes effect immediately.
func NewManager(sender Sender, enabled config.Bool, window config.Int, c clock.Clock, logger *slog.Logger) *Manager {
	if c == nil {
		c = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		queues:  make(map[string][]Hint),
		enabled: enabled,
		window:  window,
		clock:   c,
		sender:  sender,
		logger:  logger.With("component", "hints"),
	}
}

// Store queues a hint for target. It returns false when hinted handoff is
// disabled or target has been unreachable for longer than the hint window.
func (m *Manager) Store(target, keyspace, table string, frags []storage.Fragment) bool {
	if !m.enabled.Get() {
		return false
	}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[target]
	if len(q) > 0 {
		window := time.Duration(m.window.Get()) * time.Millisecond
		if now.Sub(q[0].CreatedAt) > window {
			m.logger.Debug("Hint window exceeded, dropping hint", "target", target)
			return false
		}
	}
	m.queues[target] = append(q, Hint{
		Target:    target,
		Keyspace:  keyspace,
		Table:     table,
		Fragments: frags,
		CreatedAt: now,
	})
	return true
}

// Pending returns the number of hints queued for target.
func (m *Manager) Pending(target string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[target])
}

// Targets returns the targets with queued hints.
func (m *Manager) Targets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.queues))
	for t, q := range m.queues {
		if len(q) > 0 {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// Replay sends the hints of target in order, stopping at the first failure.
// Delivered hints are removed. It returns how many were delivered.
func (m *Manager) Replay(ctx context.Context, target string) (int, error) {
	m.mu.Lock()
	q := m.queues[target]
	m.queues[target] = nil
	m.mu.Unlock()

	for i, h := range q {
		if err := m.sender.SendMutation(ctx, h.Target, h.Keyspace, h.Table, h.Fragments); err != nil {
			m.requeue(target, q[i:])
			return i, err
		}
	}
	if len(q) > 0 {
		m.logger.Info("Replayed hints", "target", target, "count", len(q))
	}
	return len(q), nil
}

// requeue puts undelivered hints back ahead of any stored meanwhile.
func (m *Manager) requeue(target string, rest []Hint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[target] = append(append([]Hint(nil), rest...), m.queues[target]...)
}

// ReplayAll replays every target accepted by keep (nil keeps all). It
// returns the first error; targets that fail keep their hints.
func (m *Manager) ReplayAll(ctx context.Context, keep func(target string) bool) error {
	var first error
	for _, target := range m.Targets() {
		if keep != nil && !keep(target) {
			continue
		}
		if _, err := m.Replay(ctx, target); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Start replays hints to live targets every interval until Stop.
func (m *Manager) Start(interval time.Duration, isAlive func(target string) bool) {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.ReplayAll(ctx, isAlive); err != nil {
					m.logger.Debug("Hint replay incomplete", "error", err)
				}
			}
		}
	}()
}

// Stop stops periodic replay.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
