// Package replication maps keys and token ranges to their replica sets.
package replication

import (
	"kvrepair/internal/ring"
)

// DefaultReplicationFactor applies when a keyspace does not set one.
const DefaultReplicationFactor = 3

// ForKey returns the replicas responsible for a partition key using the
// ring's preference list.
func ForKey(r *ring.Ring, key string, replicationFactor int) []ring.Node {
	if replicationFactor <= 0 {
		replicationFactor = DefaultReplicationFactor
	}
	return r.PreferenceList(key, replicationFactor)
}

// ForRange returns the replicas of a ring range. Every token in the range
// has the same replicas, those of the range's end token.
func ForRange(r *ring.Ring, kr ring.KeyRange, replicationFactor int) []ring.Node {
	if replicationFactor <= 0 {
		replicationFactor = DefaultReplicationFactor
	}
	return r.ReplicasForToken(kr.End, replicationFactor)
}

// RangeReplicas pairs a ring range with its replicas.
type RangeReplicas struct {
	Range    ring.KeyRange
	Replicas []ring.Node
}

// RangesOf returns the ring ranges replicated on node, in token order.
func RangesOf(r *ring.Ring, nodeID string, replicationFactor int) []RangeReplicas {
	var out []RangeReplicas
	for _, kr := range r.Ranges() {
		replicas := ForRange(r, kr, replicationFactor)
		for _, n := range replicas {
			if n.ID == nodeID {
				out = append(out, RangeReplicas{Range: kr, Replicas: replicas})
				break
			}
		}
	}
	return out
}

// IsReplica reports whether node holds data for key.
func IsReplica(r *ring.Ring, key, nodeID string, replicationFactor int) bool {
	for _, n := range ForKey(r, key, replicationFactor) {
		if n.ID == nodeID {
			return true
		}
	}
	return false
}
