package storage

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"kvrepair/internal/ring"
)

// Kind classifies a fragment.
type Kind uint8

const (
	KindRow Kind = iota
	KindRangeTombstone
	KindPartitionTombstone
)

func (k Kind) String() string {
	switch k {
	case KindRow:
		return "row"
	case KindRangeTombstone:
		return "range_tombstone"
	case KindPartitionTombstone:
		return "partition_tombstone"
	default:
		return "unknown"
	}
}

// Fragment is the smallest unit of partition data: a row, a row tombstone
// (a row with Deleted set), a range tombstone covering clustering keys
// [ClusteringKey, RangeEnd], or a partition tombstone.
type Fragment struct {
	PartitionKey  string    `json:"pk"`
	ClusteringKey string    `json:"ck,omitempty"`
	RangeEnd      string    `json:"range_end,omitempty"`
	Kind          Kind      `json:"kind"`
	Timestamp     int64     `json:"ts"`
	Deleted       bool      `json:"deleted,omitempty"`
	DeletionTime  time.Time `json:"deletion_time,omitempty"`
	Value         []byte    `json:"value,omitempty"`
}

// IsTombstone reports whether the fragment records a deletion.
func (f Fragment) IsTombstone() bool {
	return f.Kind != KindRow || f.Deleted
}

// Token returns the ring token of the fragment's partition.
func (f Fragment) Token() uint64 {
	return ring.Token(f.PartitionKey)
}

// identity is the value identity of a fragment. Two fragments with the
// same identity are the same write.
type identity struct {
	pk, ck, end string
	kind        Kind
	ts          int64
	deleted     bool
	dt          int64
	value       string
}

func (f Fragment) identity() identity {
	var dt int64
	if !f.DeletionTime.IsZero() {
		dt = f.DeletionTime.UnixNano()
	}
	return identity{
		pk:      f.PartitionKey,
		ck:      f.ClusteringKey,
		end:     f.RangeEnd,
		kind:    f.Kind,
		ts:      f.Timestamp,
		deleted: f.Deleted,
		dt:      dt,
		value:   string(f.Value),
	}
}

// Equal reports whether two fragments are the same write.
func (f Fragment) Equal(o Fragment) bool {
	return f.identity() == o.identity()
}

func (f Fragment) clone() Fragment {
	if f.Value != nil {
		f.Value = append([]byte(nil), f.Value...)
	}
	return f
}

// covers reports whether a range tombstone covers clustering key ck.
func (f Fragment) covers(ck string) bool {
	return f.Kind == KindRangeTombstone && ck >= f.ClusteringKey && ck <= f.RangeEnd
}

// less orders fragments within a partition: partition tombstone first, then
// by clustering position, rows before range tombstones starting at the same
// key, then by timestamp.
func less(a, b Fragment) bool {
	if (a.Kind == KindPartitionTombstone) != (b.Kind == KindPartitionTombstone) {
		return a.Kind == KindPartitionTombstone
	}
	if a.ClusteringKey != b.ClusteringKey {
		return a.ClusteringKey < b.ClusteringKey
	}
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if a.RangeEnd != b.RangeEnd {
		return a.RangeEnd < b.RangeEnd
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	if a.Deleted != b.Deleted {
		return !a.Deleted
	}
	return string(a.Value) < string(b.Value)
}

// Sort orders fragments canonically in place.
func Sort(frags []Fragment) {
	sort.SliceStable(frags, func(i, j int) bool {
		if frags[i].PartitionKey != frags[j].PartitionKey {
			return frags[i].PartitionKey < frags[j].PartitionKey
		}
		return less(frags[i], frags[j])
	})
}

// Dedup returns the distinct fragments of frags in canonical order.
func Dedup(frags []Fragment) []Fragment {
	seen := make(map[identity]struct{}, len(frags))
	out := make([]Fragment, 0, len(frags))
	for _, f := range frags {
		id := f.identity()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, f.clone())
	}
	Sort(out)
	return out
}

// Subtract returns the fragments of a that are not present in b.
func Subtract(a, b []Fragment) []Fragment {
	have := make(map[identity]struct{}, len(b))
	for _, f := range b {
		have[f.identity()] = struct{}{}
	}
	var out []Fragment
	for _, f := range a {
		if _, ok := have[f.identity()]; !ok {
			out = append(out, f)
		}
	}
	return out
}

// Digest hashes fragments in the order given. Callers hash canonical
// (merged or deduplicated) partitions so equal contents yield equal digests.
func Digest(frags []Fragment) uint64 {
	h := xxhash.New()
	var buf [8]byte
	writeInt := func(v int64) {
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		_, _ = h.Write(buf[:])
	}
	writeStr := func(s string) {
		writeInt(int64(len(s)))
		_, _ = h.WriteString(s)
	}
	for _, f := range frags {
		writeStr(f.PartitionKey)
		writeStr(f.ClusteringKey)
		writeStr(f.RangeEnd)
		writeInt(int64(f.Kind))
		writeInt(f.Timestamp)
		if f.Deleted {
			writeInt(1)
		} else {
			writeInt(0)
		}
		if f.DeletionTime.IsZero() {
			writeInt(0)
		} else {
			writeInt(f.DeletionTime.UnixNano())
		}
		writeStr(string(f.Value))
	}
	return h.Sum64()
}
