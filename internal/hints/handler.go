package hints

import (
	"context"
	"log/slog"

	"github.com/hyp3rd/ewrap"

	"kvrepair/internal/injection"
	"kvrepair/internal/sentinel"
)

// FlushHandler serves repair_flush_hints_batchlog_request on a participant.
type FlushHandler struct {
	hints     *Manager
	batchlog  *Batchlog
	injection *injection.Registry
	isAlive   func(target string) bool
	logger    *slog.Logger
}

// NewFlushHandler creates the handler. isAlive filters hint targets; nil
// attempts every target.
func NewFlushHandler(hints *Manager, batchlog *Batchlog, inj *injection.Registry, isAlive func(string) bool, logger *slog.Logger) *FlushHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FlushHandler{
		hints:     hints,
		batchlog:  batchlog,
		injection: inj,
		isAlive:   isAlive,
		logger:    logger,
	}
}

// Handle flushes pending hints and replays the batchlog. It fails with
// ErrHandlerUninitialized while the batchlog manager is not started.
func (h *FlushHandler) Handle(ctx context.Context, from string) error {
	if err := h.handle(ctx); err != nil {
		h.logger.Warn("Failed to process repair_flush_hints_batchlog_request", "from", from, "error", err)
		return err
	}
	h.logger.Debug("Processed repair_flush_hints_batchlog_request", "from", from)
	return nil
}

func (h *FlushHandler) handle(ctx context.Context) error {
	if h.injection != nil && h.injection.Triggered(injection.FlushHintsBatchlogUninitialized) {
		return ewrap.Wrap(sentinel.ErrHandlerUninitialized, "batchlog manager (injected)")
	}
	if h.batchlog == nil || !h.batchlog.Initialized() {
		return ewrap.Wrap(sentinel.ErrHandlerUninitialized, "batchlog manager")
	}
	if h.hints != nil {
		if err := h.hints.ReplayAll(ctx, h.isAlive); err != nil {
			return ewrap.Wrap(err, "flush hints")
		}
	}
	if _, err := h.batchlog.Replay(ctx); err != nil {
		return err
	}
	return nil
}
