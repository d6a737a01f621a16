// Package schema holds keyspace and table definitions, including the
// per-table tombstone GC settings read by the GC policy evaluator.
package schema
