package gc

import (
	"time"

	"kvrepair/internal/schema"
	"kvrepair/internal/storage"
)

// Context is the GC state of one partition at one instant. It is derived
// per evaluation from the table schema and the clock and never stored.
type Context struct {
	Mode             schema.GCMode
	GCGrace          time.Duration
	PropagationDelay time.Duration
	Now              time.Time
	// RepairTime is when a repair covering the partition last completed.
	// Zero means no repair has confirmed it.
	RepairTime time.Time
}

// IsPurgeable reports whether the tombstone f may be dropped.
//
// override is the streaming/repair GC switch; false short-circuits to not
// purgeable before the mode is considered. Outside repair and streaming
// callers pass true. A deletion time in the future is never purgeable.
func IsPurgeable(f storage.Fragment, ctx Context, override bool) bool {
	if !override || !f.IsTombstone() {
		return false
	}
	if f.DeletionTime.After(ctx.Now) {
		return false
	}
	age := ctx.Now.Sub(f.DeletionTime)

	switch ctx.Mode {
	case schema.GCDisabled:
		return false
	case schema.GCImmediate:
		return true
	case schema.GCTimeout:
		return age >= ctx.GCGrace
	case schema.GCRepair:
		if ctx.RepairTime.IsZero() || ctx.RepairTime.Before(f.DeletionTime) {
			return false
		}
		return age >= ctx.PropagationDelay
	default:
		return false
	}
}
