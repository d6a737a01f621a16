package storage

// PurgeFunc reports whether a tombstone may be dropped. It is only called
// for fragments where IsTombstone is true.
type PurgeFunc func(Fragment) bool

// Merge reconciles the fragments of a single partition.
//
// The newest partition tombstone wins. A clustering key keeps its newest
// write, with a tombstone winning a timestamp tie. Rows and range
// tombstones written at or before a covering tombstone are shadowed and
// dropped. Shadowing is resolved before purge, so dropping a tombstone
// never brings back the data it deleted. A nil purge keeps every
// surviving tombstone.
func Merge(frags []Fragment, purge PurgeFunc) []Fragment {
	if len(frags) == 0 {
		return nil
	}

	var (
		ptomb    *Fragment
		rts      []Fragment
		rows     = make(map[string]Fragment)
		rtSeen   = make(map[identity]struct{})
		rowOrder []string
	)

	for _, f := range frags {
		switch f.Kind {
		case KindPartitionTombstone:
			if ptomb == nil || f.Timestamp > ptomb.Timestamp ||
				(f.Timestamp == ptomb.Timestamp && f.DeletionTime.After(ptomb.DeletionTime)) {
				c := f.clone()
				ptomb = &c
			}
		case KindRangeTombstone:
			id := f.identity()
			if _, ok := rtSeen[id]; ok {
				continue
			}
			rtSeen[id] = struct{}{}
			rts = append(rts, f.clone())
		case KindRow:
			cur, ok := rows[f.ClusteringKey]
			if !ok {
				rowOrder = append(rowOrder, f.ClusteringKey)
				rows[f.ClusteringKey] = f.clone()
				continue
			}
			if rowWins(f, cur) {
				rows[f.ClusteringKey] = f.clone()
			}
		}
	}

	out := make([]Fragment, 0, 1+len(rts)+len(rows))
	if ptomb != nil {
		out = append(out, *ptomb)
	}

	var liveRTs []Fragment
	for _, rt := range rts {
		if ptomb != nil && rt.Timestamp <= ptomb.Timestamp {
			continue
		}
		liveRTs = append(liveRTs, rt)
	}
	out = append(out, liveRTs...)

	for _, ck := range rowOrder {
		r := rows[ck]
		if ptomb != nil && r.Timestamp <= ptomb.Timestamp {
			continue
		}
		if shadowedByRange(r, liveRTs) {
			continue
		}
		out = append(out, r)
	}

	if purge != nil {
		kept := out[:0]
		for _, f := range out {
			if f.IsTombstone() && purge(f) {
				continue
			}
			kept = append(kept, f)
		}
		out = kept
	}

	if len(out) == 0 {
		return nil
	}
	Sort(out)
	return out
}

// rowWins reports whether a beats b for the same clustering key.
func rowWins(a, b Fragment) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	if a.Deleted != b.Deleted {
		return a.Deleted
	}
	return string(a.Value) > string(b.Value)
}

func shadowedByRange(r Fragment, rts []Fragment) bool {
	for _, rt := range rts {
		if rt.covers(r.ClusteringKey) && r.Timestamp <= rt.Timestamp {
			return true
		}
	}
	return false
}
