// Package hints buffers writes that could not reach a replica. The hint
// manager queues mutations per unavailable target and replays them; the
// batchlog persists logged batches until every statement is applied. The
// flush handler drains both on request, ahead of repair.
package hints
