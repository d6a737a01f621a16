package repair

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the phase of a repair session.
type State int

const (
	StateCreated State = iota
	StateSyncingParticipants
	StateDiffing
	StateStreamingDecision
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSyncingParticipants:
		return "syncing_participants"
	case StateDiffing:
		return "diffing"
	case StateStreamingDecision:
		return "streaming_decision"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Status is a point-in-time view of a session.
type Status struct {
	ID                  int64     `json:"id"`
	UUID                string    `json:"uuid"`
	Keyspace            string    `json:"keyspace"`
	Table               string    `json:"table"`
	State               string    `json:"state"`
	Participants        []string  `json:"participants"`
	SyncFailures        []string  `json:"sync_failures,omitempty"`
	Ranges              int       `json:"ranges"`
	DifferingPartitions int       `json:"differing_partitions"`
	StreamedFragments   int       `json:"streamed_fragments"`
	Error               string    `json:"error,omitempty"`
	StartedAt           time.Time `json:"started_at"`
	FinishedAt          time.Time `json:"finished_at,omitzero"`
}

// Session is one repair of one table initiated by this node.
type Session struct {
	ID           int64
	UUID         uuid.UUID
	Keyspace     string
	Table        string
	Participants []string
	StartedAt    time.Time

	mu           sync.Mutex
	state        State
	syncFailures []string
	ranges       int
	differing    int
	streamed     int
	err          error
	finishedAt   time.Time
	done         chan struct{}
}

func newSession(id int64, keyspace, table string, participants []string, now time.Time) *Session {
	return &Session{
		ID:           id,
		UUID:         uuid.New(),
		Keyspace:     keyspace,
		Table:        table,
		Participants: participants,
		StartedAt:    now,
		state:        StateCreated,
		done:         make(chan struct{}),
	}
}

// State returns the current phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure cause of a failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// advance moves to the next phase. It is a no-op once terminal.
func (s *Session) advance(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = to
}

func (s *Session) finish(err error, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	if err != nil {
		s.state = StateFailed
		s.err = err
	} else {
		s.state = StateCompleted
	}
	s.finishedAt = now
	close(s.done)
}

func (s *Session) addSyncFailure(p string) {
	s.mu.Lock()
	s.syncFailures = append(s.syncFailures, p)
	s.mu.Unlock()
}

func (s *Session) addCounts(ranges, differing, streamed int) {
	s.mu.Lock()
	s.ranges += ranges
	s.differing += differing
	s.streamed += streamed
	s.mu.Unlock()
}

// Status snapshots the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ID:                  s.ID,
		UUID:                s.UUID.String(),
		Keyspace:            s.Keyspace,
		Table:               s.Table,
		State:               s.state.String(),
		Participants:        append([]string(nil), s.Participants...),
		SyncFailures:        append([]string(nil), s.syncFailures...),
		Ranges:              s.ranges,
		DifferingPartitions: s.differing,
		StreamedFragments:   s.streamed,
		StartedAt:           s.StartedAt,
		FinishedAt:          s.finishedAt,
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}
