package gossip

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"kvrepair/internal/clock"
	"kvrepair/internal/ring"
)

// MemberStatus represents the state of a cluster member.
type MemberStatus int

const (
	Alive MemberStatus = iota
	Suspect
	Dead
)

// String returns the string representation of MemberStatus.
func (s MemberStatus) String() string {
	switch s {
	case Alive:
		return "ALIVE"
	case Suspect:
		return "SUSPECT"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Member represents a cluster member.
type Member struct {
	ID          string       `json:"id"`
	Addr        string       `json:"addr"`
	Status      MemberStatus `json:"status"`
	Incarnation uint64       `json:"incarnation"`
	LastSeen    time.Time    `json:"last_seen"`
}

// Prober is the transport used by the protocol loops.
type Prober interface {
	Ping(ctx context.Context, target ring.Node) error
	Gossip(ctx context.Context, target ring.Node, members []Member) ([]Member, error)
}

// Options configures a Membership. Zero values take defaults.
type Options struct {
	ProbeInterval  time.Duration
	SuspectTimeout time.Duration
	DeadTimeout    time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Membership tracks member liveness with probe-based failure detection.
type Membership struct {
	mu      sync.RWMutex
	localID string
	members map[string]*Member

	probeInterval  time.Duration
	suspectTimeout time.Duration
	deadTimeout    time.Duration
	clock          clock.Clock
	logger         *slog.Logger

	onChange func(id string, status MemberStatus)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMembership creates a membership manager with self marked Alive.
func NewMembership(local ring.Node, opts Options) *Membership {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 1 * time.Second
	}
	if opts.SuspectTimeout <= 0 {
		opts.SuspectTimeout = 3 * time.Second
	}
	if opts.DeadTimeout <= 0 {
		opts.DeadTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Membership{
		localID:        local.ID,
		members:        make(map[string]*Member),
		probeInterval:  opts.ProbeInterval,
		suspectTimeout: opts.SuspectTimeout,
		deadTimeout:    opts.DeadTimeout,
		clock:          opts.Clock,
		logger:         opts.Logger.With("component", "gossip"),
	}
	m.members[local.ID] = &Member{
		ID:          local.ID,
		Addr:        local.Addr,
		Status:      Alive,
		Incarnation: 1,
		LastSeen:    m.clock.Now(),
	}
	return m
}

// LocalID returns the ID of this node.
func (m *Membership) LocalID() string { return m.localID }

// SetOnChange sets a callback invoked, outside the lock, when a member
// changes status.
func (m *Membership) SetOnChange(fn func(id string, status MemberStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Start runs the probe, gossip and timeout loops until Stop.
func (m *Membership) Start(p Prober) {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	loop := func(every time.Duration, fn func(context.Context)) {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					fn(ctx)
				}
			}
		}()
	}

	loop(m.probeInterval, func(ctx context.Context) { m.probe(ctx, p) })
	loop(m.probeInterval*2, func(ctx context.Context) { m.gossip(ctx, p) })
	loop(m.probeInterval/2, func(context.Context) { m.checkTimeouts() })
}

// Stop stops the protocol loops.
func (m *Membership) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// probe pings one random peer. Dead peers are probed too, so a node that
// comes back is noticed.
func (m *Membership) probe(ctx context.Context, p Prober) {
	target, ok := m.randomPeer()
	if !ok {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, m.probeInterval)
	defer cancel()

	if err := p.Ping(pctx, target); err == nil {
		m.MarkAlive(target.ID)
		return
	}

	m.transition(target.ID, func(member *Member) bool {
		if member.Status != Alive {
			return false
		}
		member.Status = Suspect
		member.Incarnation++
		member.LastSeen = m.clock.Now()
		m.logger.Info("Marked member SUSPECT (probe failed)", "member", member.ID)
		return true
	})
}

func (m *Membership) gossip(ctx context.Context, p Prober) {
	target, ok := m.randomPeer()
	if !ok {
		return
	}
	gctx, cancel := context.WithTimeout(ctx, m.probeInterval)
	defer cancel()

	remote, err := p.Gossip(gctx, target, m.Snapshot())
	if err != nil {
		return
	}
	m.ApplyGossip(remote)
}

func (m *Membership) randomPeer() (ring.Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	candidates := make([]ring.Node, 0, len(m.members))
	for _, member := range m.members {
		if member.ID != m.localID {
			candidates = append(candidates, ring.Node{ID: member.ID, Addr: member.Addr})
		}
	}
	if len(candidates) == 0 {
		return ring.Node{}, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// checkTimeouts moves suspects past the suspect timeout to Dead.
func (m *Membership) checkTimeouts() {
	now := m.clock.Now()

	m.mu.Lock()
	var changed []*Member
	for id, member := range m.members {
		if id == m.localID {
			continue
		}
		if member.Status == Suspect && now.Sub(member.LastSeen) > m.suspectTimeout {
			member.Status = Dead
			member.Incarnation++
			m.logger.Info("Marked member DEAD (suspect timeout)", "member", id)
			changed = append(changed, member)
		}
	}
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil {
		for _, member := range changed {
			fn(member.ID, Dead)
		}
	}
}

// ApplyGossip merges received membership information.
func (m *Membership) ApplyGossip(remote []Member) {
	type change struct {
		id     string
		status MemberStatus
	}
	var changes []change

	m.mu.Lock()
	for _, r := range remote {
		if r.ID == m.localID {
			// Refute rumours of our own death.
			self := m.members[m.localID]
			if r.Status != Alive && r.Incarnation >= self.Incarnation {
				self.Incarnation = r.Incarnation + 1
			}
			continue
		}

		local, exists := m.members[r.ID]
		if !exists {
			m.members[r.ID] = &Member{
				ID:          r.ID,
				Addr:        r.Addr,
				Status:      r.Status,
				Incarnation: r.Incarnation,
				LastSeen:    m.clock.Now(),
			}
			m.logger.Info("Discovered new member", "member", r.ID, "status", r.Status)
			changes = append(changes, change{r.ID, r.Status})
			continue
		}

		// Higher incarnation wins; on a tie prefer Alive > Suspect > Dead.
		switch {
		case r.Incarnation > local.Incarnation:
			if local.Status != r.Status {
				changes = append(changes, change{r.ID, r.Status})
			}
			local.Status = r.Status
			local.Incarnation = r.Incarnation
			local.LastSeen = m.clock.Now()
			m.logger.Debug("Updated member", "member", r.ID, "incarnation", r.Incarnation, "status", r.Status)
		case r.Incarnation == local.Incarnation && shouldUpdateStatus(local.Status, r.Status):
			local.Status = r.Status
			local.LastSeen = m.clock.Now()
			changes = append(changes, change{r.ID, r.Status})
		}
	}
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil {
		for _, c := range changes {
			fn(c.id, c.status)
		}
	}
}

// shouldUpdateStatus returns true if remote status should replace local status
// when incarnations are equal. Prefers: Alive > Suspect > Dead
func shouldUpdateStatus(local, remote MemberStatus) bool {
	if remote == Alive && local != Alive {
		return true
	}
	if remote == Suspect && local == Dead {
		return true
	}
	return false
}

// MarkAlive marks a member as alive, e.g. on a ping from it.
func (m *Membership) MarkAlive(id string) {
	m.transition(id, func(member *Member) bool {
		member.LastSeen = m.clock.Now()
		if member.Status == Alive {
			return false
		}
		member.Status = Alive
		member.Incarnation++
		m.logger.Info("Marked member ALIVE", "member", id)
		return true
	})
}

// MarkDead marks a member as dead, e.g. on its shutdown announcement.
func (m *Membership) MarkDead(id string) {
	if id == m.localID {
		return
	}
	m.transition(id, func(member *Member) bool {
		if member.Status == Dead {
			return false
		}
		member.Status = Dead
		member.Incarnation++
		member.LastSeen = m.clock.Now()
		m.logger.Info("Marked member DEAD", "member", id)
		return true
	})
}

func (m *Membership) transition(id string, fn func(*Member) bool) {
	m.mu.Lock()
	member, exists := m.members[id]
	changed := exists && fn(member)
	var status MemberStatus
	if changed {
		status = member.Status
	}
	cb := m.onChange
	m.mu.Unlock()

	if changed && cb != nil {
		cb(id, status)
	}
}

// Status returns the status of a member; unknown members are Dead.
func (m *Membership) Status(id string) MemberStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if member, ok := m.members[id]; ok {
		return member.Status
	}
	return Dead
}

// IsAlive reports whether a member is Alive.
func (m *Membership) IsAlive(id string) bool {
	return m.Status(id) == Alive
}

// Snapshot returns a copy of all members sorted by ID.
func (m *Membership) Snapshot() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := make([]Member, 0, len(m.members))
	for _, member := range m.members {
		snapshot = append(snapshot, *member)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	return snapshot
}

// AliveNodes returns only Alive members as ring nodes.
func (m *Membership) AliveNodes() []ring.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]ring.Node, 0, len(m.members))
	for _, member := range m.members {
		if member.Status == Alive {
			nodes = append(nodes, ring.Node{ID: member.ID, Addr: member.Addr})
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// AddSeedMembers adds seed members for initial discovery, assumed alive.
func (m *Membership) AddSeedMembers(seeds []ring.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, seed := range seeds {
		if seed.ID == m.localID {
			continue
		}
		if _, exists := m.members[seed.ID]; !exists {
			m.members[seed.ID] = &Member{
				ID:          seed.ID,
				Addr:        seed.Addr,
				Status:      Alive,
				Incarnation: 1,
				LastSeen:    m.clock.Now(),
			}
		}
	}
}
