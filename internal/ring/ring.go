package ring

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultVNodes = 64

// Node represents a physical node in the cluster.
type Node struct {
	ID   string
	Addr string
}

// vnode represents a virtual node on the ring.
type vnode struct {
	token  uint64
	nodeID string
}

// Ring implements consistent hashing with virtual nodes.
type Ring struct {
	mu            sync.RWMutex
	vnodesPerNode int
	vnodes        []vnode
	nodes         map[string]Node // nodeID -> Node
}

// Token returns the ring position of a partition key.
func Token(key string) uint64 {
	return xxhash.Sum64String(key)
}

// NewRing creates a new consistent hashing ring.
func NewRing(vnodesPerNode int) *Ring {
	if vnodesPerNode <= 0 {
		vnodesPerNode = defaultVNodes
	}
	return &Ring{
		vnodesPerNode: vnodesPerNode,
		vnodes:        make([]vnode, 0),
		nodes:         make(map[string]Node),
	}
}

// SetNodes rebuilds the ring with the given nodes.
// The result does not depend on the order of nodes.
func (r *Ring) SetNodes(nodes []Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes = make(map[string]Node, len(nodes))
	r.vnodes = make([]vnode, 0, len(nodes)*r.vnodesPerNode)

	for _, node := range nodes {
		if _, dup := r.nodes[node.ID]; dup {
			continue
		}
		r.nodes[node.ID] = node
		for i := 0; i < r.vnodesPerNode; i++ {
			r.vnodes = append(r.vnodes, vnode{token: vnodeToken(node.ID, i), nodeID: node.ID})
		}
	}

	sort.Slice(r.vnodes, func(i, j int) bool {
		return lessVNode(r.vnodes[i], r.vnodes[j])
	})
}

// AddNode adds a node to the ring.
func (r *Ring) AddNode(node Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[node.ID]; exists {
		return
	}

	r.nodes[node.ID] = node
	for i := 0; i < r.vnodesPerNode; i++ {
		v := vnode{token: vnodeToken(node.ID, i), nodeID: node.ID}
		idx := sort.Search(len(r.vnodes), func(i int) bool {
			return !lessVNode(r.vnodes[i], v)
		})
		r.vnodes = append(r.vnodes, vnode{})
		copy(r.vnodes[idx+1:], r.vnodes[idx:])
		r.vnodes[idx] = v
	}
}

// RemoveNode removes a node from the ring.
func (r *Ring) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[nodeID]; !exists {
		return
	}

	delete(r.nodes, nodeID)
	kept := make([]vnode, 0, len(r.vnodes))
	for _, v := range r.vnodes {
		if v.nodeID != nodeID {
			kept = append(kept, v)
		}
	}
	r.vnodes = kept
}

// ResponsibleNode returns the primary owner of key.
// Returns (Node{}, false) if the ring is empty.
func (r *Ring) ResponsibleNode(key string) (Node, bool) {
	list := r.ReplicasForToken(Token(key), 1)
	if len(list) == 0 {
		return Node{}, false
	}
	return list[0], true
}

// PreferenceList returns the first k distinct nodes responsible for key.
func (r *Ring) PreferenceList(key string, k int) []Node {
	return r.ReplicasForToken(Token(key), k)
}

// ReplicasForToken returns the first k distinct nodes walking the ring
// clockwise from token.
func (r *Ring) ReplicasForToken(token uint64, k int) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.vnodes) == 0 || k <= 0 {
		return []Node{}
	}

	idx := r.search(token)
	seen := make(map[string]bool)
	result := make([]Node, 0, k)

	for i := 0; i < len(r.vnodes) && len(result) < k; i++ {
		nodeID := r.vnodes[(idx+i)%len(r.vnodes)].nodeID
		if seen[nodeID] {
			continue
		}
		seen[nodeID] = true
		if node, exists := r.nodes[nodeID]; exists {
			result = append(result, node)
		}
	}

	return result
}

// Ranges returns the token ranges of the ring in token order. Range i ends at
// the token of vnode i and starts at the token of the previous vnode, so the
// ranges tile the whole token space exactly once.
func (r *Ring) Ranges() []KeyRange {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.vnodes)
	if n == 0 {
		return nil
	}

	ranges := make([]KeyRange, 0, n)
	for i := 0; i < n; i++ {
		prev := r.vnodes[(i+n-1)%n].token
		ranges = append(ranges, KeyRange{Start: prev, End: r.vnodes[i].token})
	}
	return ranges
}

// GetNodes returns all nodes in the ring sorted by ID.
func (r *Ring) GetNodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Node looks up a node by ID.
func (r *Ring) Node(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}

// GetVNodes returns the number of virtual nodes per physical node.
func (r *Ring) GetVNodes() int {
	return r.vnodesPerNode
}

// search finds the first vnode whose token is >= token, wrapping to 0.
// Must be called with the lock held.
func (r *Ring) search(token uint64) int {
	idx := sort.Search(len(r.vnodes), func(i int) bool {
		return r.vnodes[i].token >= token
	})
	if idx >= len(r.vnodes) {
		idx = 0
	}
	return idx
}

func vnodeToken(nodeID string, i int) uint64 {
	return Token(fmt.Sprintf("%s-vnode-%d", nodeID, i))
}

// lessVNode orders by token, breaking (improbable) token collisions by node ID
// so the layout stays deterministic.
func lessVNode(a, b vnode) bool {
	if a.token != b.token {
		return a.token < b.token
	}
	return a.nodeID < b.nodeID
}
