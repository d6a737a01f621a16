// Package fanout runs one operation against many replicas in parallel. All
// joins every call and returns a result per target; Write counts acks
// against a consistency level.
package fanout
