package repair

import (
	"context"

	"kvrepair/internal/history"
	"kvrepair/internal/ring"
	"kvrepair/internal/storage"
)

// DigestRequest asks a participant for the merkle leaves of its repaired
// view of a token range.
type DigestRequest struct {
	SessionID string        `json:"session_id"`
	Keyspace  string        `json:"keyspace"`
	Table     string        `json:"table"`
	Range     ring.KeyRange `json:"range"`
	Depth     int           `json:"depth"`
}

// HashRequest asks for per-partition digests of a token range.
type HashRequest struct {
	SessionID string        `json:"session_id"`
	Keyspace  string        `json:"keyspace"`
	Table     string        `json:"table"`
	Range     ring.KeyRange `json:"range"`
}

// FetchRequest asks for the raw fragments of the listed partitions.
type FetchRequest struct {
	SessionID string   `json:"session_id"`
	Keyspace  string   `json:"keyspace"`
	Table     string   `json:"table"`
	Keys      []string `json:"keys"`
}

// StreamRequest carries a repair payload to a participant.
type StreamRequest struct {
	SessionID string             `json:"session_id"`
	Keyspace  string             `json:"keyspace"`
	Table     string             `json:"table"`
	Fragments []storage.Fragment `json:"fragments"`
}

// Transport reaches the participants of a session, the initiator included.
// Implementations map an unreachable or stopped target to
// sentinel.ErrNodeDown.
type Transport interface {
	FlushHintsBatchlog(ctx context.Context, target, from string) error
	RangeDigest(ctx context.Context, target string, req DigestRequest) ([]uint64, error)
	PartitionHashes(ctx context.Context, target string, req HashRequest) (map[string]uint64, error)
	FetchPartitions(ctx context.Context, target string, req FetchRequest) (map[string][]storage.Fragment, error)
	StreamFragments(ctx context.Context, target string, req StreamRequest) error
	RecordHistory(ctx context.Context, target string, entries []history.Entry) error
}
