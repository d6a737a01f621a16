package repair

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"kvrepair/internal/fanout"
	"kvrepair/internal/sentinel"
)

// SyncStatus classifies the outcome of a participant's pre-repair sync.
type SyncStatus int

const (
	// SyncOK means hints and batchlog were flushed.
	SyncOK SyncStatus = iota
	// SyncDegraded means the flush failed but repair can go on; data the
	// flush would have delivered is repaired by the diff instead.
	SyncDegraded
	// SyncFatal means the participant is unreachable, so its ranges cannot
	// be compared.
	SyncFatal
)

func (s SyncStatus) String() string {
	switch s {
	case SyncOK:
		return "ok"
	case SyncDegraded:
		return "degraded"
	case SyncFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// SyncResult is the sync outcome of one participant.
type SyncResult struct {
	Participant string
	Status      SyncStatus
	Err         error
}

// Classify maps a flush error to a sync status.
func Classify(err error) SyncStatus {
	switch {
	case err == nil:
		return SyncOK
	case errors.Is(err, sentinel.ErrNodeDown), errors.Is(err, sentinel.ErrNodeNotFound):
		return SyncFatal
	default:
		return SyncDegraded
	}
}

// SyncGate sends repair_flush_hints_batchlog_request to the participants
// of a session.
type SyncGate struct {
	transport Transport
	localID   string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewSyncGate creates a gate issuing requests from node localID.
func NewSyncGate(t Transport, localID string, timeout time.Duration, logger *slog.Logger) *SyncGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncGate{
		transport: t,
		localID:   localID,
		timeout:   timeout,
		logger:    logger.With("component", "repair"),
	}
}

// FlushHintsAndBatchlog asks one participant to flush.
func (g *SyncGate) FlushHintsAndBatchlog(ctx context.Context, participant string) SyncResult {
	err := g.transport.FlushHintsBatchlog(ctx, participant, g.localID)
	return SyncResult{Participant: participant, Status: Classify(err), Err: err}
}

// SyncAll flushes every participant in parallel and waits for all of
// them. Results are in participant order.
func (g *SyncGate) SyncAll(ctx context.Context, participants []string) []SyncResult {
	results := fanout.All(ctx, participants, g.timeout, func(ctx context.Context, p string) (SyncResult, error) {
		return g.FlushHintsAndBatchlog(ctx, p), nil
	})
	out := make([]SyncResult, len(results))
	for i, r := range results {
		out[i] = r.Value
	}
	return out
}
