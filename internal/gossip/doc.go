// Package gossip implements a simplified SWIM-style membership protocol
// for failure detection. Membership decides liveness only: ring ownership
// stays with the configured node set, so a down node remains a replica and
// writes for it become hints, and repair refuses to diff a dead participant.
package gossip
