package repair

import (
	"kvrepair/internal/storage"
)

// ReconcileResult is the outcome of reconciling the copies of one partition.
type ReconcileResult struct {
	// Result is the partition content every participant converges to.
	Result []storage.Fragment

	// Missing maps a participant to the fragments of Result it lacks.
	// Participants that lack nothing are absent.
	Missing map[string][]storage.Fragment

	// Purged is the number of tombstones dropped as GC-eligible.
	Purged int
}

// Reconcile combines the raw copies of a partition held by participants.
//
// With compact set the union goes through the compaction merge, so the
// result carries only live data and tombstones that may not be purged.
// Otherwise the union is streamed as is, minus purged tombstones and the
// data they shadow, which would otherwise be resurrected.
func Reconcile(copies map[string][]storage.Fragment, participants []string, compact bool, purge storage.PurgeFunc) ReconcileResult {
	var union []storage.Fragment
	for _, p := range participants {
		union = append(union, copies[p]...)
	}

	kept := storage.Merge(union, nil)
	survivors := storage.Merge(union, purge)
	purged := storage.Subtract(kept, survivors)

	res := ReconcileResult{
		Missing: make(map[string][]storage.Fragment),
		Purged:  len(purged),
	}
	if compact {
		res.Result = survivors
	} else {
		res.Result = uncompacted(storage.Dedup(union), purged)
	}

	for _, p := range participants {
		missing := storage.Subtract(res.Result, storage.Dedup(copies[p]))
		if len(missing) > 0 {
			res.Missing[p] = missing
		}
	}
	return res
}

// uncompacted drops purged tombstones from frags together with every
// fragment one of them shadows.
func uncompacted(frags, purged []storage.Fragment) []storage.Fragment {
	if len(purged) == 0 {
		return frags
	}
	out := make([]storage.Fragment, 0, len(frags))
	for _, f := range frags {
		if containsFragment(purged, f) {
			continue
		}
		if !f.IsTombstone() && shadowedBy(f, purged) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func containsFragment(frags []storage.Fragment, f storage.Fragment) bool {
	for _, o := range frags {
		if o.Equal(f) {
			return true
		}
	}
	return false
}

func shadowedBy(row storage.Fragment, tombs []storage.Fragment) bool {
	probe := append([]storage.Fragment{row}, tombs...)
	return !containsFragment(storage.Merge(probe, nil), row)
}
