// Package ring implements a consistent hashing ring with virtual nodes.
// Partition keys map to 64-bit tokens; the ring owns the token space as a set
// of ranges, one per virtual node, and yields the replica preference list for
// any token. Repair walks these ranges.
package ring
