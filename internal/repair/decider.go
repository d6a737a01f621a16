package repair

import (
	"log/slog"
	"strconv"

	"kvrepair/internal/config"
	"kvrepair/internal/injection"
	"kvrepair/internal/ring"
)

// Decider decides per token range whether a repair payload goes through
// the compaction merge before it is streamed.
type Decider struct {
	compact   config.Bool
	override  config.Bool
	injection *injection.Registry
	logger    *slog.Logger
}

// NewDecider creates a decider over the two live repair switches. inj may
// be nil.
func NewDecider(compact, override config.Bool, inj *injection.Registry, logger *slog.Logger) *Decider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decider{
		compact:   compact,
		override:  override,
		injection: inj,
		logger:    logger.With("component", "repair"),
	}
}

// ShouldCompactBeforeStream returns the committed value of
// enable_compacting_data_for_streaming_and_repair. It is evaluated for
// every range, including ranges with nothing to stream, and reports its
// inputs to the maybe_compact_for_streaming injection point.
func (d *Decider) ShouldCompactBeforeStream(kr ring.KeyRange) bool {
	enabled := d.compact.Get()
	params := map[string]string{"compaction_enabled": strconv.FormatBool(enabled)}
	if enabled {
		params["compaction_can_gc"] = strconv.FormatBool(d.override.Get())
	}
	if d.injection != nil {
		d.injection.Record(injection.MaybeCompactForStreaming, params)
	}
	d.logger.Debug("Streaming compaction decision", "range", kr.String(), "compact", enabled)
	return enabled
}
