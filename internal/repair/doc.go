// Package repair implements row-level anti-entropy repair of a table.
//
// A Coordinator runs sessions on the initiating node: it asks every
// participant to flush hints and batchlog, compares merkle digests of each
// token range, narrows differences down to partitions and streams the
// reconciled data to the replicas missing it. A Replica serves the
// participant side of the same protocol against the local store.
package repair
