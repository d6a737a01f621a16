// Package node assembles a kvrepair node: schema, storage, membership,
// hinted handoff, the batchlog, repair and the runtime config store, and
// the internal gRPC service peers call. Two transports connect nodes: one
// for nodes sharing a process, one over gRPC.
package node
