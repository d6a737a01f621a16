package merkle

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"

	"kvrepair/internal/ring"
)

// MaxDepth bounds the number of leaves at 1<<MaxDepth.
const MaxDepth = 16

type entry struct {
	token  uint64
	key    string
	digest uint64
}

// Builder accumulates partition digests for a range.
type Builder struct {
	kr      ring.KeyRange
	depth   int
	entries [][]entry
}

// NewBuilder creates a builder with 1<<depth leaves over kr.
func NewBuilder(kr ring.KeyRange, depth int) *Builder {
	if depth < 0 {
		depth = 0
	}
	if depth > MaxDepth {
		depth = MaxDepth
	}
	return &Builder{kr: kr, depth: depth, entries: make([][]entry, 1<<depth)}
}

// Add records the digest of a partition. Partitions outside the range are
// ignored.
func (b *Builder) Add(key string, digest uint64) {
	token := ring.Token(key)
	if !b.kr.Contains(token) {
		return
	}
	i := b.kr.Index(token, len(b.entries))
	b.entries[i] = append(b.entries[i], entry{token: token, key: key, digest: digest})
}

// Build hashes the leaves. Each leaf hash covers its partitions in token
// order, so insertion order does not matter. An empty leaf hashes to zero.
func (b *Builder) Build() *Tree {
	leaves := make([]uint64, len(b.entries))
	var buf [8]byte
	for i, es := range b.entries {
		if len(es) == 0 {
			continue
		}
		sort.Slice(es, func(x, y int) bool {
			if es[x].token != es[y].token {
				return es[x].token < es[y].token
			}
			return es[x].key < es[y].key
		})
		h := xxhash.New()
		for _, e := range es {
			_, _ = h.WriteString(e.key)
			binary.BigEndian.PutUint64(buf[:], e.digest)
			_, _ = h.Write(buf[:])
		}
		leaves[i] = h.Sum64()
	}
	return FromLeaves(b.kr, leaves)
}

// Tree is a complete binary hash tree stored in heap order.
type Tree struct {
	Range ring.KeyRange
	Depth int
	nodes []uint64
}

// FromLeaves rebuilds a tree from its leaf hashes, as sent over the wire.
// len(leaves) must be a power of two.
func FromLeaves(kr ring.KeyRange, leaves []uint64) *Tree {
	n := len(leaves)
	depth := 0
	for 1<<depth < n {
		depth++
	}
	nodes := make([]uint64, 2*n-1)
	copy(nodes[n-1:], leaves)
	var buf [16]byte
	for i := n - 2; i >= 0; i-- {
		l, r := nodes[2*i+1], nodes[2*i+2]
		if l == 0 && r == 0 {
			continue
		}
		binary.BigEndian.PutUint64(buf[:8], l)
		binary.BigEndian.PutUint64(buf[8:], r)
		nodes[i] = xxhash.Sum64(buf[:])
	}
	return &Tree{Range: kr, Depth: depth, nodes: nodes}
}

// Root returns the root hash. Zero means the range holds no data.
func (t *Tree) Root() uint64 {
	return t.nodes[0]
}

// Leaves returns a copy of the leaf hashes.
func (t *Tree) Leaves() []uint64 {
	n := 1 << t.Depth
	out := make([]uint64, n)
	copy(out, t.nodes[n-1:])
	return out
}

// LeafRange returns the token sub-range covered by leaf i.
func (t *Tree) LeafRange(i int) ring.KeyRange {
	return t.Range.Split(1 << t.Depth)[i]
}

// Diff returns the indexes of leaves that differ between two trees over the
// same range and depth, in ascending order. Trees of different shape are
// reported as differing everywhere.
func Diff(a, b *Tree) []int {
	if a.Range != b.Range || a.Depth != b.Depth {
		all := make([]int, 1<<max(a.Depth, b.Depth))
		for i := range all {
			all[i] = i
		}
		return all
	}
	var out []int
	firstLeaf := (1 << a.Depth) - 1
	var walk func(i int)
	walk = func(i int) {
		if a.nodes[i] == b.nodes[i] {
			return
		}
		if i >= firstLeaf {
			out = append(out, i-firstLeaf)
			return
		}
		walk(2*i + 1)
		walk(2*i + 2)
	}
	walk(0)
	return out
}

// DiffAll returns the leaves where any tree differs from the first. With
// fewer than two trees nothing differs.
func DiffAll(trees []*Tree) []int {
	if len(trees) < 2 {
		return nil
	}
	set := make(map[int]struct{})
	for _, t := range trees[1:] {
		for _, i := range Diff(trees[0], t) {
			set[i] = struct{}{}
		}
	}
	out := make([]int, 0, len(set))
	for i := range set {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}
