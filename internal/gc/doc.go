// Package gc decides whether a tombstone may be purged. IsPurgeable is the
// pure decision table; Evaluator binds it to live table schema, the node
// clock, repair history, and the streaming GC override.
package gc
